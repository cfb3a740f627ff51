// Package stream maintains the persistent, authenticated websocket
// subscription to the broker's per-minute bar feed and fans received bars
// out to a handler. The connection is re-established with jittered
// exponential backoff on any failure except bad credentials.
package stream

import (
	"context"
	"errors"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-bridge-go/record"
)

// State is the connection lifecycle state of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Client is a client that connects to the broker's bar stream and handles
// communication both ways.
//
// After constructing, Connect() must be called. It blocks until the
// connection has been established for the first time (or it failed
// irrecoverably) and keeps the connection alive until the context is
// cancelled. Terminated() returns a channel that the client sends an
// error to when it has terminated. A client can not be reused once it has
// terminated.
//
// The bar handler is invoked synchronously from a single goroutine, in
// arrival order. A slow handler blocks the stream: that back-pressure is
// deliberate, the bridge has no queue of its own beyond the bounded
// inbound buffer.
type Client struct {
	logger Logger

	baseURL string
	feed    string
	key     string
	secret  string

	backoffInitial time.Duration
	backoffCeiling time.Duration
	bufferSize     int
	clock          record.Clock

	symbols    []string
	symbolSet  map[string]struct{}
	barHandler func(record.Bar)

	connectOnce    sync.Once
	terminatedChan chan error
	conn           conn
	in             chan []byte

	state atomic.Int32

	fatalMu  sync.Mutex
	fatalErr error

	received atomic.Uint64
	filtered atomic.Uint64
	skipped  atomic.Uint64

	rng *rand.Rand

	connCreator func(ctx context.Context, u url.URL) (conn, error)
}

// NewClient returns a new Client that will connect to the feed data feed
// and whose default configuration is modified by opts.
func NewClient(feed string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(o)
	}

	c := &Client{
		logger:         o.logger,
		baseURL:        o.baseURL,
		feed:           feed,
		key:            o.key,
		secret:         o.secret,
		backoffInitial: o.backoffInitial,
		backoffCeiling: o.backoffCeiling,
		bufferSize:     o.bufferSize,
		clock:          o.clock,
		symbols:        o.symbols,
		symbolSet:      make(map[string]struct{}, len(o.symbols)),
		barHandler:     o.barHandler,
		terminatedChan: make(chan error, 1),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		connCreator:    o.connCreator,
	}
	for _, s := range o.symbols {
		c.symbolSet[s] = struct{}{}
	}
	return c
}

// Connect establishes a connection and reestablishes it when errors
// occur, for as long as the context is alive.
//
// It blocks until the connection has been established for the first time
// (or it failed to do so irrecoverably).
//
// Should only be called once!
func (c *Client) Connect(ctx context.Context) error {
	u, err := c.constructURL()
	if err != nil {
		return err
	}
	err = ErrConnectCalledMultipleTimes
	c.connectOnce.Do(func() {
		initialResultCh := make(chan error)
		go c.maintainConnection(ctx, u, initialResultCh)
		err = <-initialResultCh
		if err != nil {
			c.terminatedChan <- err
			close(c.terminatedChan)
		}
	})
	return err
}

// Terminated returns a channel that the client sends an error to when it
// has terminated. The channel is also closed upon termination.
func (c *Client) Terminated() <-chan error {
	return c.terminatedChan
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Counts returns the number of bars received, filtered out and skipped as
// malformed since the client was created.
func (c *Client) Counts() (received, filtered, skipped uint64) {
	return c.received.Load(), c.filtered.Load(), c.skipped.Load()
}

func (c *Client) constructURL() (url.URL, error) {
	scheme := "wss"
	ub, err := url.Parse(c.baseURL)
	if err != nil {
		return url.URL{}, err
	}
	switch ub.Scheme {
	case "http", "ws":
		scheme = "ws"
	}

	return url.URL{Scheme: scheme, Host: ub.Host, Path: ub.Path + "/" + c.feed}, nil
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) storeFatal(err error) {
	c.fatalMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.fatalMu.Unlock()
}

func (c *Client) fatal() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatalErr
}

// backoffDelay returns the delay before reconnect attempt n (n >= 1):
// exponential from the initial delay up to the ceiling, with +-20% jitter.
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.backoffInitial
	for i := 1; i < attempt && d < c.backoffCeiling; i++ {
		d *= 2
	}
	if d > c.backoffCeiling {
		d = c.backoffCeiling
	}
	jitter := 0.8 + 0.4*c.rng.Float64()
	return time.Duration(float64(d) * jitter)
}

// maintainConnection initializes a connection to u, starts the necessary
// goroutines and recreates them after a disconnect, backing off between
// attempts. It retries forever; only an authentication failure (bad or
// rotated credentials) terminates the client. It sends the first
// connection initialization's result to initialResultCh.
func (c *Client) maintainConnection(ctx context.Context, u url.URL, initialResultCh chan<- error) {
	var connError error
	connectedAtLeastOnce := false
	attempt := 0

	defer func() {
		c.setState(StateStopped)
		if connectedAtLeastOnce {
			close(c.terminatedChan)
		}
	}()

	sendError := func(err error) {
		if !connectedAtLeastOnce {
			initialResultCh <- err
		} else {
			c.terminatedChan <- err
		}
	}

	for {
		select {
		case <-ctx.Done():
			if !connectedAtLeastOnce {
				c.logger.Warnf("cancelled before connection could be established, last error: %v", connError)
				initialResultCh <- ctx.Err()
			} else {
				c.terminatedChan <- nil
			}
			return
		default:
			if attempt > 0 {
				delay := c.backoffDelay(attempt)
				c.logger.Infof("reconnecting in %s, attempt %d ...", delay.Round(time.Millisecond), attempt+1)
				if err := c.clock.Sleep(ctx, delay); err != nil {
					continue
				}
			}
			attempt++
			c.setState(StateConnecting)
			conn, err := c.connCreator(ctx, u)
			if err != nil {
				connError = err
				c.setState(StateDisconnected)
				c.logger.Warnf("failed to connect, error: %v", err)
				continue
			}
			c.conn = conn

			if err := c.initialize(ctx); err != nil {
				connError = err
				c.conn.close()
				c.setState(StateDisconnected)
				if isErrorIrrecoverable(err) {
					c.logger.Errorf("irrecoverable error during connection initialization: %v", err)
					sendError(err)
					return
				}
				c.logger.Warnf("connection setup failed, error: %v", err)
				continue
			}
			c.logger.Infof("connected and subscribed to %d symbols on feed %q", len(c.symbols), c.feed)
			connError = nil
			attempt = 0
			c.setState(StateStreaming)
			if !connectedAtLeastOnce {
				initialResultCh <- nil
				connectedAtLeastOnce = true
			}

			c.in = make(chan []byte, c.bufferSize)
			wg := sync.WaitGroup{}
			wg.Add(3)
			closeCh := make(chan struct{})
			procDone := make(chan struct{})
			go c.messageProcessor(ctx, &wg, procDone)
			go c.connPinger(ctx, &wg, closeCh)
			go c.connReader(ctx, &wg, closeCh, procDone)
			wg.Wait()

			if fatal := c.fatal(); fatal != nil {
				c.logger.Errorf("stream terminated: %v", fatal)
				sendError(fatal)
				return
			}
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				c.logger.Infof("disconnected")
			} else {
				c.logger.Warnf("connection lost")
			}
		}
	}
}

// isErrorIrrecoverable returns whether the error is irrecoverable and
// further retries should not take place. Bad credentials and a data feed
// the account is not subscribed to do not get better by reconnecting.
func isErrorIrrecoverable(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInsufficientSubscription)
}

// ticker is the pinger's cadence, replaceable in tests.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type wallTicker struct {
	t *time.Ticker
}

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

var newPingTicker = func() ticker {
	return wallTicker{t: time.NewTicker(pingPeriod)}
}

// connPinger periodically calls c.conn.ping to ensure the connection is still alive
func (c *Client) connPinger(ctx context.Context, wg *sync.WaitGroup, closeCh <-chan struct{}) {
	pingTicker := newPingTicker()
	defer func() {
		pingTicker.Stop()
		c.conn.close()
		wg.Done()
	}()

	for {
		select {
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		case <-pingTicker.C():
			if err := c.conn.ping(ctx); err != nil {
				if ctx.Err() == nil {
					c.logger.Errorf("ping failed, error: %v", err)
				}
				return
			}
		}
	}
}

// connReader reads from c.conn and sends those messages to c.in. It is
// also responsible for closing closeCh, which terminates the pinger, and
// for closing c.in, which terminates the message processor. The send
// also watches procDone: if the processor quit early on a fatal error, a
// full buffer must not wedge the reader before its next readMessage sees
// the closed conn.
func (c *Client) connReader(ctx context.Context, wg *sync.WaitGroup, closeCh chan<- struct{}, procDone <-chan struct{}) {
	defer func() {
		close(closeCh)
		c.conn.close()
		close(c.in)
		wg.Done()
	}()

	for {
		msg, err := c.conn.readMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Errorf("reading from conn failed, error: %v", err)
			}
			return
		}

		select {
		case c.in <- msg:
		case <-procDone:
			return
		}
	}
}

// messageProcessor reads from c.in (while it's open) and processes the
// messages. A single processor preserves bar arrival order.
func (c *Client) messageProcessor(ctx context.Context, wg *sync.WaitGroup, procDone chan<- struct{}) {
	defer func() {
		close(procDone)
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.in:
			if !ok {
				return
			}
			if err := c.handleMessage(msg); err != nil {
				c.logger.Errorf("could not handle message, error: %v", err)
			}
			if c.fatal() != nil {
				// Rotated credentials kill the stream for good.
				c.conn.close()
				return
			}
		}
	}
}
