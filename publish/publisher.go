// Package publish writes bars to the market-data pipe, one JSON line per
// bar, in call order.
package publish

import (
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/sirupsen/logrus"

	"github.com/alpacahq/alpaca-bridge-go/pipe"
	"github.com/alpacahq/alpaca-bridge-go/record"
)

const (
	latencyWindow = 60
	// A write should complete as fast as the reader drains the pipe. If
	// the average over the window creeps past this, the engine is reading
	// slower than the bar rate and back-pressure is reaching the stream.
	slowWriteThreshold = 250 * time.Millisecond
)

// Publisher writes each Bar as a single newline-terminated JSON record to
// the market-data pipe.
//
// The pipe has exactly one reader (the engine). The first publish blocks
// until the reader attaches. If the reader goes away mid-stream the bar
// is dropped and each subsequent publish makes one non-blocking reopen
// attempt; the engine re-warms from historical data on reattach, so there
// is no back-buffer. A single producer must call Publish.
type Publisher struct {
	w   *pipe.LineWriter
	log *logrus.Entry

	published atomic.Uint64
	dropped   atomic.Uint64

	writeLatency *movingaverage.MovingAverage
	readerAbsent bool
	slowWarned   bool
}

func New(path string) *Publisher {
	return &Publisher{
		w:            pipe.NewLineWriter(path),
		log:          logrus.WithField("component", "publish"),
		writeLatency: movingaverage.New(latencyWindow),
	}
}

// Publish writes one bar. The result reports whether the line was
// written, dropped because the reader is absent, or failed with an I/O
// error (carried in err).
func (p *Publisher) Publish(bar record.Bar) (pipe.WriteResult, error) {
	line, err := record.EncodeLine(bar)
	if err != nil {
		return pipe.IOError, err
	}

	start := time.Now()
	res, err := p.w.WriteLine(line)
	switch res {
	case pipe.Written:
		p.published.Add(1)
		if p.readerAbsent {
			p.log.Info("[BRIDGE] reader reattached, resuming publication")
			p.readerAbsent = false
		}
		p.observeLatency(time.Since(start))
	case pipe.ReaderAbsent:
		p.dropped.Add(1)
		if !p.readerAbsent {
			p.log.Warn("[BRIDGE] reader gone, dropping bars until it reattaches")
			p.readerAbsent = true
		}
	case pipe.IOError:
		p.log.Errorf("[BRIDGE] publish failed: %v", err)
	}
	return res, err
}

func (p *Publisher) observeLatency(d time.Duration) {
	p.writeLatency.Add(d.Seconds())
	if p.writeLatency.SlotsFilled() && !p.slowWarned {
		if avg := p.writeLatency.Avg(); avg > slowWriteThreshold.Seconds() {
			p.log.Warnf("[BRIDGE] slow reader: average write latency %.0fms over last %d bars",
				avg*1000, latencyWindow)
			p.slowWarned = true
		}
	}
}

// Counts returns the number of bars published and dropped so far.
func (p *Publisher) Counts() (published, dropped uint64) {
	return p.published.Load(), p.dropped.Load()
}

func (p *Publisher) Close() error {
	return p.w.Close()
}
