package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/alpaca-bridge-go/broker"
	"github.com/alpacahq/alpaca-bridge-go/pipe"
	"github.com/alpacahq/alpaca-bridge-go/record"
)

type fakeAPI struct {
	placeFn func(ctx context.Context, req broker.PlaceOrderRequest) (*broker.Order, error)
	getFn   func(ctx context.Context, orderID string) (*broker.Order, error)

	placed []broker.PlaceOrderRequest
}

func (f *fakeAPI) PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (*broker.Order, error) {
	f.placed = append(f.placed, req)
	return f.placeFn(ctx, req)
}

func (f *fakeAPI) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	return f.getFn(ctx, orderID)
}

type routerHarness struct {
	api       *fakeAPI
	router    *Router
	responses *pipe.LineReader
	orderPath string
	runErr    chan error
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, api *fakeAPI) *routerHarness {
	return newHarnessWithClock(t, api, record.NewManualClock(time.Now()))
}

func newHarnessWithClock(t *testing.T, api *fakeAPI, clock record.Clock) *routerHarness {
	t.Helper()
	dir := t.TempDir()
	orderPath := filepath.Join(dir, "orders.fifo")
	responsePath := filepath.Join(dir, "responses.fifo")
	require.NoError(t, pipe.Recreate(orderPath))
	require.NoError(t, pipe.Recreate(responsePath))

	r := New(Config{
		API:          api,
		OrderPath:    orderPath,
		ResponsePath: responsePath,
		SettleDelay:  time.Millisecond,
		Clock:        clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &routerHarness{
		api:       api,
		router:    r,
		responses: pipe.NewLineReader(responsePath),
		orderPath: orderPath,
		runErr:    make(chan error, 1),
		cancel:    cancel,
	}
	go func() {
		h.runErr <- r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		h.responses.Close()
	})
	return h
}

// roundTrip submits one raw order line and returns the decoded response.
func (h *routerHarness) roundTrip(t *testing.T, line string) record.OrderResponse {
	t.Helper()
	require.NoError(t, pipe.WriteLineOnce(h.orderPath, []byte(line+"\n")))

	type result struct {
		resp record.OrderResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := h.responses.ReadLine()
		if err != nil {
			ch <- result{err: err}
			return
		}
		resp, err := record.DecodeOrderResponse(append(raw, '\n'))
		ch <- result{resp: resp, err: err}
	}()

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for order response")
		return record.OrderResponse{}
	}
}

func filledOrderAPI() *fakeAPI {
	price := decimal.NewFromFloat(73.49)
	return &fakeAPI{
		placeFn: func(_ context.Context, req broker.PlaceOrderRequest) (*broker.Order, error) {
			return &broker.Order{ID: "brk-1", ClientOrderID: req.ClientOrderID, Status: "accepted"}, nil
		},
		getFn: func(_ context.Context, orderID string) (*broker.Order, error) {
			return &broker.Order{ID: orderID, Status: broker.OrderFilled, FilledAvgPrice: &price}, nil
		},
	}
}

func TestOrderFilled(t *testing.T) {
	api := filledOrderAPI()
	h := newHarness(t, api)

	resp := h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":100,"order_id":"eng-0001"}`)

	assert.Equal(t, "eng-0001", resp.OrderID)
	assert.Equal(t, record.StatusFilled, resp.Status)
	assert.Equal(t, 73.49, resp.FilledPrice)
	assert.Equal(t, "brk-1", resp.AlpacaOrderID)
	assert.Equal(t, "BUY 100 TQQQ - filled", resp.Message)

	require.Len(t, api.placed, 1)
	placed := api.placed[0]
	assert.Equal(t, "TQQQ", placed.Symbol)
	assert.Equal(t, broker.Buy, placed.Side)
	assert.Equal(t, broker.Market, placed.Type)
	assert.Equal(t, broker.Day, placed.TimeInForce)
	assert.Len(t, placed.ClientOrderID, 26) // ULID
	require.NotNil(t, placed.Qty)
	assert.True(t, placed.Qty.Equal(decimal.NewFromInt(100)))

	processed, rejected := h.router.Counts()
	assert.EqualValues(t, 1, processed)
	assert.EqualValues(t, 0, rejected)
}

func TestOrderPendingWhenNotFilled(t *testing.T) {
	api := filledOrderAPI()
	api.getFn = func(_ context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: "partially_filled"}, nil
	}
	h := newHarness(t, api)

	resp := h.roundTrip(t, `{"action":"SELL","symbol":"SQQQ","shares":50,"order_id":"eng-0002"}`)

	assert.Equal(t, record.StatusPending, resp.Status)
	assert.Zero(t, resp.FilledPrice)
	assert.Equal(t, "brk-1", resp.AlpacaOrderID)
	assert.Equal(t, "SELL 50 SQQQ - partially_filled", resp.Message)
}

func TestOrderRejectedByBroker(t *testing.T) {
	api := filledOrderAPI()
	api.placeFn = func(_ context.Context, _ broker.PlaceOrderRequest) (*broker.Order, error) {
		return nil, &broker.APIError{StatusCode: 422, Code: 40310000, Message: "insufficient buying power"}
	}
	h := newHarness(t, api)

	resp := h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":100,"order_id":"eng-0003"}`)

	assert.Equal(t, record.StatusRejected, resp.Status)
	assert.Equal(t, "eng-0003", resp.OrderID)
	assert.Equal(t, "Order rejected: insufficient buying power", resp.Message)
	assert.Empty(t, resp.AlpacaOrderID)

	_, rejected := h.router.Counts()
	assert.EqualValues(t, 1, rejected)
}

func TestOrderSubmitTransportError(t *testing.T) {
	api := filledOrderAPI()
	api.placeFn = func(_ context.Context, _ broker.PlaceOrderRequest) (*broker.Order, error) {
		return nil, errors.New("connection refused")
	}
	h := newHarness(t, api)

	resp := h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":1,"order_id":"eng-0004"}`)

	assert.Equal(t, record.StatusRejected, resp.Status)
	assert.Contains(t, resp.Message, "connection refused")
}

func TestMalformedRequestLine(t *testing.T) {
	h := newHarness(t, filledOrderAPI())

	resp := h.roundTrip(t, `{"action":"BUY","symbol":`)

	assert.Equal(t, record.StatusRejected, resp.Status)
	assert.Equal(t, "unknown", resp.OrderID)
	assert.Contains(t, resp.Message, "Invalid JSON")
	assert.Empty(t, h.api.placed, "nothing must reach the broker")
}

func TestInvalidOrderRejected(t *testing.T) {
	h := newHarness(t, filledOrderAPI())

	resp := h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":0,"order_id":"eng-0005"}`)

	assert.Equal(t, record.StatusRejected, resp.Status)
	assert.Equal(t, "eng-0005", resp.OrderID)
	assert.Contains(t, resp.Message, "Invalid order")
	assert.Empty(t, h.api.placed)
}

func TestResponsesFollowRequestOrder(t *testing.T) {
	h := newHarness(t, filledOrderAPI())

	first := h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":1,"order_id":"eng-0006"}`)
	second := h.roundTrip(t, `{"action":"SELL","symbol":"TQQQ","shares":1,"order_id":"eng-0007"}`)

	assert.Equal(t, "eng-0006", first.OrderID)
	assert.Equal(t, "eng-0007", second.OrderID)
}

// settleBlockClock blocks in Sleep until the context is cancelled and
// signals when the settle wait has been entered.
type settleBlockClock struct {
	entered chan struct{}
}

func (c *settleBlockClock) Now() time.Time { return time.Now() }

func (c *settleBlockClock) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownDuringSettleStillEmitsResponse(t *testing.T) {
	clock := &settleBlockClock{entered: make(chan struct{}, 1)}
	h := newHarnessWithClock(t, filledOrderAPI(), clock)

	line := `{"action":"BUY","symbol":"TQQQ","shares":10,"order_id":"eng-0008"}` + "\n"
	require.NoError(t, pipe.WriteLineOnce(h.orderPath, []byte(line)))

	// cancel mid-settle, after the order was accepted by the broker
	select {
	case <-clock.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("order never reached the settle wait")
	}
	h.cancel()

	// the consumed request still gets exactly one response, reporting
	// what is known: accepted, with the broker order id for follow-up
	raw := make(chan []byte, 1)
	go func() {
		if b, err := h.responses.ReadLine(); err == nil {
			raw <- b
		}
	}()
	select {
	case b := <-raw:
		resp, err := record.DecodeOrderResponse(append(b, '\n'))
		require.NoError(t, err)
		assert.Equal(t, "eng-0008", resp.OrderID)
		assert.Equal(t, record.StatusPending, resp.Status)
		assert.Equal(t, "brk-1", resp.AlpacaOrderID)
		assert.Equal(t, "BUY 10 TQQQ - accepted", resp.Message)
	case <-time.After(3 * time.Second):
		t.Fatal("no response for the in-flight order after cancel")
	}

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the in-flight order completed")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, filledOrderAPI())

	h.cancel()

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCountsConcurrentWithRun(t *testing.T) {
	h := newHarness(t, filledOrderAPI())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				h.router.Counts()
			}
		}
	}()

	for i := 0; i < 5; i++ {
		h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":1,"order_id":"eng-c`+string(rune('0'+i))+`"}`)
	}
	close(stop)
	<-done

	// the counter lands just after the response is emitted
	assert.Eventually(t, func() bool {
		processed, rejected := h.router.Counts()
		return processed == 5 && rejected == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestClientOrderIDsAreUnique(t *testing.T) {
	h := newHarness(t, filledOrderAPI())

	h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":1,"order_id":"a"}`)
	h.roundTrip(t, `{"action":"BUY","symbol":"TQQQ","shares":1,"order_id":"b"}`)

	require.Len(t, h.api.placed, 2)
	assert.NotEqual(t, h.api.placed[0].ClientOrderID, h.api.placed[1].ClientOrderID)
}
