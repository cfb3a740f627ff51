package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var initializeTimeout = 3 * time.Second
var authRetryDelayMultiplier = 1
var authRetryCount = 15

// initialize performs the initial flow:
// 1. wait to be welcomed
// 2. authenticates (and waits for the response)
// 3. subscribes to the bar channel (and waits for the response)
//
// If it runs into retriable issues during the flow it retries for a while
func (c *Client) initialize(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	if err := c.readConnected(ctxWithTimeout); err != nil {
		return err
	}

	c.setState(StateAuthenticating)

	var retryErr error
	// If we run into a retriable error during auth we should try
	// again after a delay
	for i := 0; i < authRetryCount; i++ {
		if i > 0 {
			n := i
			if n > 10 {
				n = 10
			}
			sleepDuration := 500 * time.Millisecond * time.Duration(authRetryDelayMultiplier*n)
			c.logger.Infof("retrying auth in %s, attempt %d/%d", sleepDuration, i+1, authRetryCount+1)
			if err := c.clock.Sleep(ctx, sleepDuration); err != nil {
				return err
			}
		}
		ctxAuth, cancelAuth := context.WithTimeout(ctx, initializeTimeout)
		err := c.writeAuth(ctxAuth)
		cancelAuth()
		if err != nil {
			return err
		}

		ctxResp, cancelResp := context.WithTimeout(ctx, initializeTimeout)
		retryErr = c.readAuthResponse(ctxResp)
		cancelResp()
		if retryErr == nil {
			break
		}
		if !isErrorRetriable(retryErr) {
			return retryErr
		}
		c.logger.Infof("auth error: %s", retryErr)
	}

	if retryErr != nil {
		return retryErr
	}

	c.setState(StateSubscribing)

	ctxWriteSub, cancelWriteSub := context.WithTimeout(ctx, initializeTimeout)
	defer cancelWriteSub()
	if err := c.writeSub(ctxWriteSub); err != nil {
		return err
	}

	ctxReadSub, cancelReadSub := context.WithTimeout(ctx, initializeTimeout)
	defer cancelReadSub()
	return c.readSubResponse(ctxReadSub)
}

func (c *Client) readConnected(ctx context.Context) error {
	b, err := c.conn.readMessage(ctx)
	if err != nil {
		return err
	}
	var resps []struct {
		T   string `msgpack:"T"`
		Msg string `msgpack:"msg"`
	}
	if err := msgpack.Unmarshal(b, &resps); err != nil {
		return err
	}
	if len(resps) != 1 {
		return ErrNoConnected
	}
	if resps[0].T != "success" || resps[0].Msg != "connected" {
		return ErrNoConnected
	}
	return nil
}

func (c *Client) writeAuth(ctx context.Context) error {
	msg, err := msgpack.Marshal(map[string]string{
		"action": "auth",
		"key":    c.key,
		"secret": c.secret,
	})
	if err != nil {
		return err
	}

	return c.conn.writeMessage(ctx, msg)
}

// isErrorRetriable returns whether the error is considered retriable during the initialization flow
func isErrorRetriable(err error) bool {
	return errors.Is(err, ErrConnectionLimitExceeded)
}

func (c *Client) readAuthResponse(ctx context.Context) error {
	b, err := c.conn.readMessage(ctx)
	if err != nil {
		return err
	}
	var resps []struct {
		T    string `msgpack:"T"`
		Msg  string `msgpack:"msg"`
		Code int    `msgpack:"code"`
	}
	if err := msgpack.Unmarshal(b, &resps); err != nil {
		return err
	}
	if len(resps) != 1 {
		return ErrBadAuthResponse
	}

	resp := resps[0]

	if resp.T == "error" {
		return errorMessage{
			msg:  resp.Msg,
			code: resp.Code,
		}
	}
	if resp.T != "success" || resp.Msg != "authenticated" {
		return ErrBadAuthResponse
	}

	return nil
}

func (c *Client) writeSub(ctx context.Context) error {
	msg, err := msgpack.Marshal(map[string]interface{}{
		"action": "subscribe",
		"bars":   c.symbols,
	})
	if err != nil {
		return err
	}

	return c.conn.writeMessage(ctx, msg)
}

func (c *Client) readSubResponse(ctx context.Context) error {
	b, err := c.conn.readMessage(ctx)
	if err != nil {
		return err
	}
	var resps []struct {
		T    string   `msgpack:"T"`
		Msg  string   `msgpack:"msg"`
		Code int      `msgpack:"code"`
		Bars []string `msgpack:"bars"`
	}
	if err := msgpack.Unmarshal(b, &resps); err != nil {
		return err
	}
	if len(resps) != 1 {
		return ErrSubResponse
	}

	if resps[0].T == "error" {
		return fmt.Errorf("sub: error from server: %s", resps[0].Msg)
	}
	if resps[0].T != "subscription" {
		return ErrSubResponse
	}

	if len(resps[0].Bars) != len(c.symbols) {
		c.logger.Warnf("server acknowledged %d bar subscriptions, requested %d",
			len(resps[0].Bars), len(c.symbols))
	}
	return nil
}
