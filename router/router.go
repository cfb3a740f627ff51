// Package router implements the order request/response loop between the
// engine and the broker's REST order API.
//
// Orders are processed strictly sequentially in receipt order, so
// response order matches request order. The router never retries an
// order; the engine deduplicates via the echoed order_id if it
// resubmits. Every consumed request produces exactly one response, even
// on internal errors.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/alpacahq/alpaca-bridge-go/broker"
	"github.com/alpacahq/alpaca-bridge-go/pipe"
	"github.com/alpacahq/alpaca-bridge-go/record"
)

// OrderAPI is the slice of the broker client the router needs.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (*broker.Order, error)
	GetOrder(ctx context.Context, orderID string) (*broker.Order, error)
}

// Config collects the router's collaborators and tunables.
type Config struct {
	API          OrderAPI
	OrderPath    string
	ResponsePath string
	// OrderTimeout bounds each REST call to the broker. Default 5s.
	OrderTimeout time.Duration
	// SettleDelay is the wait between submit and the single status
	// poll, letting a just-accepted market order reach a terminal
	// state. Default 500ms.
	SettleDelay time.Duration
	Clock       record.Clock
}

type Router struct {
	api          OrderAPI
	orders       *pipe.LineReader
	responsePath string
	orderTimeout time.Duration
	settleDelay  time.Duration
	clock        record.Clock
	log          *logrus.Entry

	entropy *ulid.MonotonicEntropy

	processed atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config) *Router {
	if cfg.OrderTimeout == 0 {
		cfg.OrderTimeout = 5 * time.Second
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = record.RealClock()
	}
	return &Router{
		api:          cfg.API,
		orders:       pipe.NewLineReader(cfg.OrderPath),
		responsePath: cfg.ResponsePath,
		orderTimeout: cfg.OrderTimeout,
		settleDelay:  cfg.SettleDelay,
		clock:        cfg.Clock,
		log:          logrus.WithField("component", "router"),
		entropy:      ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Run blocks, draining the order pipe until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.orders.Close()
	}()

	for {
		line, err := r.orders.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("order pipe: %w", err)
		}
		if len(line) == 0 {
			continue
		}

		resp := r.handle(ctx, line)
		r.emit(resp)

		r.processed.Add(1)
		if resp.Status == record.StatusRejected {
			r.rejected.Add(1)
		}
	}
}

// Counts returns how many requests were consumed and how many were
// rejected. Safe to call while Run is draining the pipe.
func (r *Router) Counts() (processed, rejected uint64) {
	return r.processed.Load(), r.rejected.Load()
}

// handle turns one order line into exactly one response.
func (r *Router) handle(ctx context.Context, line []byte) record.OrderResponse {
	req, err := record.DecodeOrderRequest(line)
	if err != nil {
		r.log.Warnf("[ORDER] unparseable request line: %v", err)
		return record.RejectedResponse("unknown", "Invalid JSON: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		id := req.OrderID
		if id == "" {
			id = "unknown"
		}
		r.log.Warnf("[ORDER] invalid request %s: %v", id, err)
		return record.RejectedResponse(id, "Invalid order: "+err.Error())
	}

	side := broker.Buy
	if req.Action == record.ActionSell {
		side = broker.Sell
	}
	qty := decimalFromShares(req.Shares)

	submitCtx, cancel := context.WithTimeout(ctx, r.orderTimeout)
	order, err := r.api.PlaceOrder(submitCtx, broker.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          broker.Market,
		TimeInForce:   broker.Day,
		ClientOrderID: r.newClientOrderID(),
	})
	cancel()
	if err != nil {
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) {
			r.log.Warnf("[ORDER] %s rejected by broker: %s", req.OrderID, apiErr.Message)
			return record.RejectedResponse(req.OrderID, "Order rejected: "+apiErr.Message)
		}
		r.log.Warnf("[ORDER] %s submit failed: %v", req.OrderID, err)
		return record.RejectedResponse(req.OrderID, err.Error())
	}

	if err := r.clock.Sleep(ctx, r.settleDelay); err != nil {
		// Shutdown between submit and poll: report what we know. The
		// order was accepted, so the broker id travels with a pending
		// response for engine follow-up.
		return record.PendingResponse(req.OrderID, order.ID, describe(req, "accepted"))
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.orderTimeout)
	polled, err := r.api.GetOrder(pollCtx, order.ID)
	cancel()
	if err != nil {
		r.log.Warnf("[ORDER] %s status poll failed: %v", req.OrderID, err)
		return record.RejectedResponse(req.OrderID, err.Error())
	}

	if polled.Status == broker.OrderFilled && polled.FilledAvgPrice != nil {
		price, _ := polled.FilledAvgPrice.Float64()
		if price > 0 {
			return record.FilledResponse(req.OrderID, price, order.ID, describe(req, "filled"))
		}
	}
	return record.PendingResponse(req.OrderID, order.ID, describe(req, polled.Status))
}

// emit writes the response line, opening the response pipe fresh: the
// engine reads one line and closes.
func (r *Router) emit(resp record.OrderResponse) {
	line, err := record.EncodeLine(resp)
	if err != nil {
		r.log.Errorf("[ORDER] encode response %s: %v", resp.OrderID, err)
		return
	}
	if err := pipe.WriteLineOnce(r.responsePath, line); err != nil {
		r.log.Errorf("[ORDER] emit response %s: %v", resp.OrderID, err)
	}
}

func (r *Router) newClientOrderID() string {
	return ulid.MustNew(ulid.Timestamp(r.clock.Now()), r.entropy).String()
}

func describe(req record.OrderRequest, status string) string {
	return fmt.Sprintf("%s %d %s - %s", req.Action, req.Shares, req.Symbol, status)
}

func decimalFromShares(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}
