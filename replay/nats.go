package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/alpacahq/alpaca-bridge-go/pipe"
	"github.com/alpacahq/alpaca-bridge-go/record"
)

const (
	natsConnectTimeout = 5 * time.Second
	natsDrainTimeout   = 10 * time.Second
	subscriberBuffer   = 1024
)

// ConnectNats establishes the connection used by the PUB/SUB replay
// transport.
func ConnectNats(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("alpaca-bridge-replay"),
		nats.Timeout(natsConnectTimeout),
		nats.DrainTimeout(natsDrainTimeout),
		nats.RetryOnFailedConnect(true),
		nats.ErrorHandler(natsErrorHandler(logrus.WithField("component", "replay"))),
		nats.DisconnectErrHandler(func(_ *nats.Conn, disErr error) {
			if disErr != nil {
				logrus.Warnf("[REPLAY] nats disconnected: %v", disErr)
				return
			}
			logrus.Warn("[REPLAY] nats disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logrus.Infof("[REPLAY] nats reconnected: %s", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// natsErrorHandler reports async transport errors. A slow consumer means
// the subscriber's channel overflowed and bars were dropped before they
// reached the pipe; the cumulative drop count makes the loss visible
// instead of silent.
func natsErrorHandler(log *logrus.Entry) nats.ErrHandler {
	return func(_ *nats.Conn, sub *nats.Subscription, err error) {
		if errors.Is(err, nats.ErrSlowConsumer) && sub != nil {
			dropped, derr := sub.Dropped()
			if derr == nil {
				log.Warnf("[REPLAY] slow consumer on %s: %d bars dropped so far", sub.Subject, dropped)
				return
			}
			log.Warnf("[REPLAY] slow consumer on %s: bars dropped", sub.Subject)
			return
		}
		log.Errorf("[REPLAY] nats: %v", err)
	}
}

// TopicPublisher publishes each bar line on <prefix>.<symbol>, allowing
// multiple subscribers to consume the same replay.
type TopicPublisher struct {
	nc     *nats.Conn
	prefix string
}

var _ Sink = (*TopicPublisher)(nil)

func NewTopicPublisher(nc *nats.Conn, prefix string) *TopicPublisher {
	return &TopicPublisher{nc: nc, prefix: prefix}
}

func (p *TopicPublisher) Publish(bar record.Bar) (pipe.WriteResult, error) {
	line, err := record.EncodeLine(bar)
	if err != nil {
		return pipe.IOError, err
	}
	if err := p.nc.Publish(p.prefix+"."+bar.Symbol, line); err != nil {
		return pipe.IOError, err
	}
	return pipe.Written, nil
}

// Subscriber bridges the PUB/SUB stream back into the market-data pipe:
// it subscribes under the topic prefix, strips the subject and writes the
// payload lines into the FIFO unchanged, so the contract between bridge
// and engine stays the same.
type Subscriber struct {
	nc     *nats.Conn
	prefix string
	w      *pipe.LineWriter
	log    *logrus.Entry
}

func NewSubscriber(nc *nats.Conn, prefix, pipePath string) *Subscriber {
	return &Subscriber{
		nc:     nc,
		prefix: prefix,
		w:      pipe.NewLineWriter(pipePath),
		log:    logrus.WithField("component", "replay"),
	}
}

// Run consumes bar lines until the context is cancelled. A channel
// subscription keeps delivery single-threaded and in publish order.
func (s *Subscriber) Run(ctx context.Context) error {
	ch := make(chan *nats.Msg, subscriberBuffer)
	sub, err := s.nc.ChanSubscribe(s.prefix+".>", ch)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", s.prefix, err)
	}
	defer func() {
		sub.Unsubscribe()
		s.w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			res, err := s.w.WriteLine(msg.Data)
			if res == pipe.IOError {
				return err
			}
			if res == pipe.ReaderAbsent {
				s.log.Warn("[REPLAY] reader gone, dropped bar")
			}
		}
	}
}
