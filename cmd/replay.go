package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alpacahq/alpaca-bridge-go/internal/config"
	"github.com/alpacahq/alpaca-bridge-go/pipe"
	"github.com/alpacahq/alpaca-bridge-go/publish"
	"github.com/alpacahq/alpaca-bridge-go/record"
	"github.com/alpacahq/alpaca-bridge-go/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay stored results onto the market-data pipe",
	Run:   runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) {
	cfg := config.Env
	if err := cfg.ValidateReplay(); err != nil {
		logrus.Errorf("[REPLAY] configuration error: %v", err)
		os.Exit(exitConfig)
	}

	result, err := replay.LoadResult(cfg.ReplaySource)
	if err != nil {
		logrus.Errorf("[REPLAY] results source: %v", err)
		os.Exit(exitConfig)
	}
	logrus.Infof("[REPLAY] loaded session %s: %d trading days", result.SessionID, len(result.Days))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	barsCreated, err := pipe.Ensure(cfg.Pipes.Bars)
	if err != nil {
		logrus.Errorf("[REPLAY] market-data pipe: %v", err)
		os.Exit(exitIO)
	}

	var sink replay.Sink
	cleanup := func() error { return nil }
	if cfg.Nats.Enabled {
		nc, err := replay.ConnectNats(cfg.Nats.URL)
		if err != nil {
			logrus.Errorf("[REPLAY] %v", err)
			os.Exit(exitIO)
		}
		sub := replay.NewSubscriber(nc, cfg.Nats.TopicPrefix, cfg.Pipes.Bars)
		go func() {
			if err := sub.Run(ctx); err != nil {
				logrus.Errorf("[REPLAY] subscriber: %v", err)
			}
		}()
		sink = replay.NewTopicPublisher(nc, cfg.Nats.TopicPrefix)
		cleanup = func() error {
			nc.Close()
			return nil
		}
	} else {
		pub := publish.New(cfg.Pipes.Bars)
		sink = pub
		cleanup = pub.Close
	}

	engine := replay.NewEngine(sink, result, cfg.SymbolList(), cfg.ReplayPace(), record.RealClock())
	engineErr := make(chan error, 1)
	engineDone := make(chan struct{})
	go func() {
		engineErr <- engine.Run(ctx)
		close(engineDone)
	}()

	// Ordered: the engine must stop publishing before the sink closes,
	// and the pipe is unlinked last.
	wait := gracefulShutdown(ctx, cfg.GracefulShutdownTimeout, []operation{
		{"replay engine", func(context.Context) error {
			cancel()
			<-engineDone
			return nil
		}},
		{"sink", func(context.Context) error {
			return cleanup()
		}},
		{"pipes", func(context.Context) error {
			if barsCreated {
				return pipe.Remove(cfg.Pipes.Bars)
			}
			return nil
		}},
	})

	select {
	case err := <-engineErr:
		if err != nil {
			logrus.Errorf("[REPLAY] engine failed: %v", err)
			os.Exit(exitIO)
		}
		if ctx.Err() != nil {
			// a signal stopped the engine; the shutdown sequence owns
			// the cleanup
			<-wait
			return
		}
		cleanup()
		if barsCreated {
			pipe.Remove(cfg.Pipes.Bars)
		}
	case <-wait:
	}
}
