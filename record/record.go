// Package record holds the data types shared by the bridge components and
// their line encoding on the pipes. Every pipe record is exactly one
// newline-terminated JSON object with a fixed field order, so that a replay
// of the same input is byte-identical to the live stream.
package record

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Bar is one minute of trading for a single symbol. Bars are immutable once
// emitted; the bridge never reorders or aggregates them.
type Bar struct {
	Symbol      string  `json:"symbol"`
	TimestampMS int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      int64   `json:"volume"`
	VWAP        float64 `json:"vwap"`
	TradeCount  int64   `json:"trade_count"`
}

// Validate reports whether the bar satisfies the OHLC ordering and range
// constraints. Bars failing validation are logged and skipped upstream.
func (b Bar) Validate() error {
	if err := validSymbol(b.Symbol); err != nil {
		return err
	}
	if b.TimestampMS <= 0 {
		return fmt.Errorf("bar %s: non-positive timestamp %d", b.Symbol, b.TimestampMS)
	}
	if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 || b.VWAP < 0 {
		return fmt.Errorf("bar %s: negative price", b.Symbol)
	}
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo || b.High < hi {
		return fmt.Errorf("bar %s: OHLC out of order (o=%v h=%v l=%v c=%v)", b.Symbol, b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s: negative volume %d", b.Symbol, b.Volume)
	}
	if b.TradeCount < 0 {
		return fmt.Errorf("bar %s: negative trade count %d", b.Symbol, b.TradeCount)
	}
	return nil
}

// Order request actions as they appear on the order pipe.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// OrderRequest is a one-shot instruction issued by the engine on the order
// pipe. It is consumed exactly once and then discarded.
type OrderRequest struct {
	Action  string `json:"action"`
	Symbol  string `json:"symbol"`
	Shares  int64  `json:"shares"`
	OrderID string `json:"order_id"`
}

func (r OrderRequest) Validate() error {
	if r.Action != ActionBuy && r.Action != ActionSell {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if err := validSymbol(r.Symbol); err != nil {
		return err
	}
	if r.Shares <= 0 {
		return fmt.Errorf("non-positive share count %d", r.Shares)
	}
	if r.OrderID == "" {
		return fmt.Errorf("empty order_id")
	}
	if strings.ContainsAny(r.OrderID, "\n\r") {
		return fmt.Errorf("order_id contains a line break")
	}
	return nil
}

// OrderStatus is the router's classification of an order at poll time.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusPending  OrderStatus = "pending"
	StatusRejected OrderStatus = "rejected"
)

// OrderResponse is the router's reply to an OrderRequest, emitted exactly
// once per consumed request on the response pipe.
//
// Invariants: a filled response carries a positive fill price; a rejected
// response carries no broker order id and a zero fill price. Use the
// constructors below to keep them.
type OrderResponse struct {
	OrderID       string      `json:"order_id"`
	Status        OrderStatus `json:"status"`
	FilledPrice   float64     `json:"filled_price"`
	AlpacaOrderID string      `json:"alpaca_order_id"`
	Message       string      `json:"message"`
}

// FilledResponse builds a filled response. price must be positive.
func FilledResponse(orderID string, price float64, alpacaOrderID, message string) OrderResponse {
	return OrderResponse{
		OrderID:       orderID,
		Status:        StatusFilled,
		FilledPrice:   price,
		AlpacaOrderID: alpacaOrderID,
		Message:       sanitize(message),
	}
}

// PendingResponse builds a response for an accepted order that was not
// filled at poll time. The engine is responsible for follow-up using the
// broker order id.
func PendingResponse(orderID, alpacaOrderID, message string) OrderResponse {
	return OrderResponse{
		OrderID:       orderID,
		Status:        StatusPending,
		AlpacaOrderID: alpacaOrderID,
		Message:       sanitize(message),
	}
}

// RejectedResponse builds a rejected response. The broker order id is left
// empty: a rejection is reported before (or instead of) acceptance.
func RejectedResponse(orderID, message string) OrderResponse {
	return OrderResponse{
		OrderID: orderID,
		Status:  StatusRejected,
		Message: sanitize(message),
	}
}

// EncodeLine serializes v as a single newline-terminated JSON line. Field
// order follows struct declaration order and is stable across runs.
func EncodeLine(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeBar parses one market-data pipe line.
func DecodeBar(line []byte) (Bar, error) {
	var b Bar
	if err := json.Unmarshal(line, &b); err != nil {
		return Bar{}, err
	}
	return b, nil
}

// DecodeOrderRequest parses one order pipe line.
func DecodeOrderRequest(line []byte) (OrderRequest, error) {
	var r OrderRequest
	if err := json.Unmarshal(line, &r); err != nil {
		return OrderRequest{}, err
	}
	return r, nil
}

// DecodeOrderResponse parses one response pipe line.
func DecodeOrderResponse(line []byte) (OrderResponse, error) {
	var r OrderResponse
	if err := json.Unmarshal(line, &r); err != nil {
		return OrderResponse{}, err
	}
	return r, nil
}

func validSymbol(s string) error {
	if len(s) < 1 || len(s) > 8 {
		return fmt.Errorf("symbol %q: length must be 1-8", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return fmt.Errorf("symbol %q: non-printable-ASCII byte at %d", s, i)
		}
	}
	return nil
}

// sanitize strips line breaks from broker-supplied text so a response is
// always exactly one line.
func sanitize(s string) string {
	if !strings.ContainsAny(s, "\n\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
