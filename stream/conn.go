package stream

import (
	"context"
	"time"
)

// conn represents a websocket connection between the bridge and the
// broker's stream server.
type conn interface {
	// close closes the websocket connection
	close() error
	// ping sends a ping to the server
	ping(ctx context.Context) error
	// readMessage blocks until it reads a single message
	readMessage(ctx context.Context) (data []byte, err error)
	// writeMessage writes a single message
	writeMessage(ctx context.Context, data []byte) error
}

var (
	writeWait  = 5 * time.Second  // deadline for a single outbound message
	pongWait   = 5 * time.Second  // deadline for the server's pong
	pingPeriod = 10 * time.Second // interval between keepalive pings
)
