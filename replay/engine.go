package replay

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alpacahq/alpaca-bridge-go/pipe"
	"github.com/alpacahq/alpaca-bridge-go/record"
)

// Sink receives the replayed bars. publish.Publisher satisfies it for the
// pipe path, TopicPublisher for the PUB/SUB variant.
type Sink interface {
	Publish(bar record.Bar) (pipe.WriteResult, error)
}

// Engine walks a results timeline and emits each minute's bars through
// the sink, sleeping a configured wall-clock duration between simulated
// minutes. A pace of zero replays instantaneously.
type Engine struct {
	sink  Sink
	steps []Step
	pace  time.Duration
	clock record.Clock
	log   *logrus.Entry
}

func NewEngine(sink Sink, result *Result, symbols []string, pace time.Duration, clock record.Clock) *Engine {
	if clock == nil {
		clock = record.RealClock()
	}
	return &Engine{
		sink:  sink,
		steps: result.Timeline(symbols),
		pace:  pace,
		clock: clock,
		log:   logrus.WithField("component", "replay"),
	}
}

// Minutes returns how many simulated minutes the replay covers.
func (e *Engine) Minutes() int {
	return len(e.steps)
}

// Run replays the timeline. It returns nil when the timeline is
// exhausted or the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Infof("[REPLAY] replaying %d minutes at %s per minute", len(e.steps), e.pace)

	var published, dropped int
	for i, step := range e.steps {
		if i > 0 {
			if err := e.clock.Sleep(ctx, e.pace); err != nil {
				e.log.Infof("[REPLAY] cancelled after %d/%d minutes", i, len(e.steps))
				return nil
			}
		}
		for _, bar := range step.Bars {
			res, err := e.sink.Publish(bar)
			switch res {
			case pipe.Written:
				published++
			case pipe.ReaderAbsent:
				dropped++
			case pipe.IOError:
				return err
			}
		}
		if ctx.Err() != nil {
			e.log.Infof("[REPLAY] cancelled after %d/%d minutes", i+1, len(e.steps))
			return nil
		}
	}

	e.log.Infof("[REPLAY] done: %d bars published, %d dropped", published, dropped)
	return nil
}
