package stream

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
)

// dialTimeout bounds the websocket handshake on its own: the reconnect
// loop supplies a long-lived context, so the dial needs a deadline of its
// own to fail fast into the next backoff attempt.
const dialTimeout = 3 * time.Second

// nhooyrConn adapts a nhooyr.io websocket to the conn interface. The
// bar stream is msgpack over binary frames.
type nhooyrConn struct {
	ws *websocket.Conn
}

var _ conn = (*nhooyrConn)(nil)

func newNhooyrConn(ctx context.Context, u url.URL) (conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/msgpack"},
		},
	})
	if err != nil {
		return nil, err
	}

	return &nhooyrConn{ws: ws}, nil
}

func (c *nhooyrConn) close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *nhooyrConn) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pongWait)
	defer cancel()

	return c.ws.Ping(pingCtx)
}

func (c *nhooyrConn) readMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *nhooyrConn) writeMessage(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	return c.ws.Write(writeCtx, websocket.MessageBinary, data)
}
