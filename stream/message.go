package stream

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/alpacahq/alpaca-bridge-go/record"
)

// handleMessage processes one websocket frame: an msgpack array of maps,
// each with a leading "T" type key. Bar events are decoded into
// record.Bar and handed to the bar handler; a malformed bar is counted
// and skipped without tearing down the connection.
func (c *Client) handleMessage(b []byte) error {
	d := msgpack.GetDecoder()
	defer msgpack.PutDecoder(d)

	reader := bytes.NewReader(b)
	d.Reset(reader)

	arrLen, err := d.DecodeArrayLen()
	if err != nil || arrLen < 1 {
		return err
	}

	for i := 0; i < arrLen; i++ {
		var n int
		n, err = d.DecodeMapLen()
		if err != nil {
			return err
		}
		if n < 1 {
			continue
		}

		key, err := d.DecodeString()
		if err != nil {
			return err
		}
		if key != "T" {
			return fmt.Errorf("first key is not T but: %s", key)
		}
		T, err := d.DecodeString()
		if err != nil {
			return err
		}
		n-- // T already processed

		switch T {
		case "b":
			err = c.handleBar(d, n)
		case "subscription":
			err = skipFields(d, n)
		case "error":
			err = c.handleErrorMessage(d, n)
		case "success":
			err = skipFields(d, n)
		default:
			err = skipFields(d, n)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) handleBar(d *msgpack.Decoder, n int) error {
	bar := record.Bar{}
	for i := 0; i < n; i++ {
		key, err := d.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "S":
			bar.Symbol, err = d.DecodeString()
		case "o":
			bar.Open, err = d.DecodeFloat64()
		case "h":
			bar.High, err = d.DecodeFloat64()
		case "l":
			bar.Low, err = d.DecodeFloat64()
		case "c":
			bar.Close, err = d.DecodeFloat64()
		case "v":
			bar.Volume, err = d.DecodeInt64()
		case "t":
			var ts time.Time
			ts, err = d.DecodeTime()
			bar.TimestampMS = ts.UnixMilli()
		case "n":
			bar.TradeCount, err = d.DecodeInt64()
		case "vw":
			bar.VWAP, err = d.DecodeFloat64()
		default:
			err = d.Skip()
		}
		if err != nil {
			// The frame is malformed past this point; give up on it.
			// The processor logs the error and the stream continues.
			c.skipped.Add(1)
			return err
		}
	}

	c.received.Add(1)

	// Defensive against broker fan-out bugs: drop bars outside the
	// subscription set.
	if _, ok := c.symbolSet[bar.Symbol]; !ok {
		c.filtered.Add(1)
		return nil
	}

	if err := bar.Validate(); err != nil {
		c.skipped.Add(1)
		c.logger.Warnf("skipping invalid bar: %v", err)
		return nil
	}

	c.barHandler(bar)
	return nil
}

func (c *Client) handleErrorMessage(d *msgpack.Decoder, n int) error {
	e := errorMessage{}
	for i := 0; i < n; i++ {
		key, err := d.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "msg":
			e.msg, err = d.DecodeString()
		case "code":
			e.code, err = d.DecodeInt()
		default:
			err = d.Skip()
		}
		if err != nil {
			return err
		}
	}

	switch e.code {
	case 402:
		// Credentials were revoked mid-stream. Irrecoverable.
		c.storeFatal(ErrInvalidCredentials)
		return nil
	case 409:
		// Subscription downgraded mid-stream. Irrecoverable.
		c.storeFatal(ErrInsufficientSubscription)
		return nil
	case 407:
		// The server is about to drop us for reading too slowly; the
		// reconnect loop picks it up. Attribute the disconnect.
		return ErrSlowClient
	}
	return e
}

func skipFields(d *msgpack.Decoder, n int) error {
	for i := 0; i < n; i++ {
		if err := d.Skip(); err != nil {
			return err
		}
		if err := d.Skip(); err != nil {
			return err
		}
	}
	return nil
}
