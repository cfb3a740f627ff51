package stream

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/alpacahq/alpaca-bridge-go/record"
)

// Option is a configuration option for the Client.
type Option interface {
	apply(*options)
}

type options struct {
	logger         Logger
	baseURL        string
	key            string
	secret         string
	backoffInitial time.Duration
	backoffCeiling time.Duration
	bufferSize     int
	clock          record.Clock
	symbols        []string
	barHandler     func(record.Bar)

	// for testing only
	connCreator func(ctx context.Context, u url.URL) (conn, error)
}

type funcOption struct {
	f func(*options)
}

func (fo *funcOption) apply(o *options) {
	fo.f(o)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{f: f}
}

// WithLogger configures the logger
func WithLogger(logger Logger) Option {
	return newFuncOption(func(o *options) {
		o.logger = logger
	})
}

// WithBaseURL configures the base URL
func WithBaseURL(url string) Option {
	return newFuncOption(func(o *options) {
		o.baseURL = url
	})
}

// WithCredentials configures the key and secret to use
func WithCredentials(key, secret string) Option {
	return newFuncOption(func(o *options) {
		if key != "" {
			o.key = key
		}
		if secret != "" {
			o.secret = secret
		}
	})
}

// WithBars configures the symbols to subscribe to and the handler invoked
// once per received bar. The symbol set is fixed for the life of the
// client; bars for other symbols are discarded.
func WithBars(handler func(record.Bar), symbols ...string) Option {
	return newFuncOption(func(o *options) {
		o.symbols = symbols
		o.barHandler = handler
	})
}

// WithReconnectSettings configures the exponential backoff used between
// reconnection attempts: the first delay and the ceiling it grows to.
// The client retries forever; only an authentication failure stops it.
func WithReconnectSettings(initial, ceiling time.Duration) Option {
	return newFuncOption(func(o *options) {
		o.backoffInitial = initial
		o.backoffCeiling = ceiling
	})
}

// WithBufferSize sets the size for the buffer that is used for messages
// received from the server
func WithBufferSize(size int) Option {
	return newFuncOption(func(o *options) {
		o.bufferSize = size
	})
}

// WithClock configures the clock used for backoff sleeps.
func WithClock(clock record.Clock) Option {
	return newFuncOption(func(o *options) {
		o.clock = clock
	})
}

func withConnCreator(connCreator func(ctx context.Context, u url.URL) (conn, error)) Option {
	return newFuncOption(func(o *options) {
		o.connCreator = connCreator
	})
}

// defaultOptions are the default options for a client.
// Don't change this in a backward incompatible way!
func defaultOptions() *options {
	baseURL := "https://stream.data.alpaca.markets/v2"
	if s := os.Getenv("DATA_PROXY_WS"); s != "" {
		baseURL = s
	}

	return &options{
		logger:         DefaultLogger(),
		baseURL:        baseURL,
		key:            os.Getenv("APCA_API_KEY_ID"),
		secret:         os.Getenv("APCA_API_SECRET_KEY"),
		backoffInitial: time.Second,
		backoffCeiling: 30 * time.Second,
		bufferSize:     4096,
		clock:          record.RealClock(),
		symbols:        []string{},
		barHandler:     func(record.Bar) {},
		connCreator:    newNhooyrConn,
	}
}
