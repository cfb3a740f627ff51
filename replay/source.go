// Package replay reproduces the market-data stream from stored results of
// a prior run, for deterministic offline testing. Its output on the pipe
// is byte-identical to what the live publisher would produce for the same
// bars; the engine cannot tell a replay from live data.
package replay

import (
	"fmt"
	"os"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/goccy/go-json"

	"github.com/alpacahq/alpaca-bridge-go/record"
)

// Result is a stored results document: per trading day, per symbol, a
// time-sorted list of bars.
type Result struct {
	SessionID string       `json:"session_id"`
	Days      []TradingDay `json:"days"`
}

type TradingDay struct {
	Date civil.Date              `json:"date"`
	Bars map[string][]record.Bar `json:"bars"`
}

// LoadResult reads and validates a results document.
func LoadResult(path string) (*Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &r, nil
}

func (r *Result) validate() error {
	if len(r.Days) == 0 {
		return fmt.Errorf("no trading days")
	}
	for _, day := range r.Days {
		if !day.Date.IsValid() {
			return fmt.Errorf("invalid trading day date")
		}
		for symbol, bars := range day.Bars {
			var prev int64
			for i, bar := range bars {
				if bar.Symbol != symbol {
					return fmt.Errorf("day %s: bar %d under %s has symbol %s", day.Date, i, symbol, bar.Symbol)
				}
				if err := bar.Validate(); err != nil {
					return fmt.Errorf("day %s: %w", day.Date, err)
				}
				if bar.TimestampMS <= prev {
					return fmt.Errorf("day %s: %s bars not strictly ascending at %d", day.Date, symbol, i)
				}
				prev = bar.TimestampMS
			}
		}
	}
	return nil
}

// Step is all the bars sharing one minute timestamp, in subscription
// order.
type Step struct {
	TimestampMS int64
	Bars        []record.Bar
}

// Timeline builds the union of minute timestamps across the subscribed
// symbols, ascending. Within a minute, bars follow the configured symbol
// order, keeping the interleaving stable between runs.
func (r *Result) Timeline(symbols []string) []Step {
	byMinute := make(map[int64]map[string]record.Bar)
	subscribed := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		subscribed[s] = struct{}{}
	}

	for _, day := range r.Days {
		for symbol, bars := range day.Bars {
			if _, ok := subscribed[symbol]; !ok {
				continue
			}
			for _, bar := range bars {
				m := byMinute[bar.TimestampMS]
				if m == nil {
					m = make(map[string]record.Bar)
					byMinute[bar.TimestampMS] = m
				}
				m[symbol] = bar
			}
		}
	}

	minutes := make([]int64, 0, len(byMinute))
	for ts := range byMinute {
		minutes = append(minutes, ts)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	steps := make([]Step, 0, len(minutes))
	for _, ts := range minutes {
		step := Step{TimestampMS: ts}
		for _, symbol := range symbols {
			if bar, ok := byMinute[ts][symbol]; ok {
				step.Bars = append(step.Bars, bar)
			}
		}
		steps = append(steps, step)
	}
	return steps
}
