package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectCalledMultipleTimes is returned when Connect has been called multiple times on a single client
	ErrConnectCalledMultipleTimes = errors.New("tried to call Connect multiple times")
	// ErrNoConnected is returned when the client did not receive the welcome
	// message from the server
	ErrNoConnected = errors.New("did not receive connected message")
	// ErrBadAuthResponse is returned when the client could not successfully authenticate
	ErrBadAuthResponse = errors.New("did not receive authenticated message")
	// ErrSubResponse is returned when the client's subscription request was not
	// acknowledged
	ErrSubResponse = errors.New("did not receive subscribed message")
)

// errorMessage is an error message received from the server
type errorMessage struct {
	msg  string
	code int
}

func (e errorMessage) Error() string {
	return fmt.Sprintf("%s (%d)", e.msg, e.code)
}

// The following errors are returned when the client receives an error message from the server

var (
	// ErrInvalidCredentials is returned when invalid credentials have been sent by the user.
	ErrInvalidCredentials error = errorMessage{msg: "auth failed", code: 402}
	// ErrConnectionLimitExceeded is returned when the client has exceeded their connection limit
	ErrConnectionLimitExceeded error = errorMessage{msg: "connection limit exceeded", code: 406}
	// ErrSlowClient is returned when the server has detected a slow client. In this case there's
	// no guarantee that all prior messages were delivered
	ErrSlowClient error = errorMessage{msg: "slow client", code: 407}
	// ErrInsufficientSubscription is returned when the user does not have proper
	// subscription for the requested feed (e.g. SIP)
	ErrInsufficientSubscription error = errorMessage{msg: "insufficient subscription", code: 409}
)
