package cmd

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alpacahq/alpaca-bridge-go/broker"
	"github.com/alpacahq/alpaca-bridge-go/internal/config"
	"github.com/alpacahq/alpaca-bridge-go/pipe"
	"github.com/alpacahq/alpaca-bridge-go/publish"
	"github.com/alpacahq/alpaca-bridge-go/record"
	"github.com/alpacahq/alpaca-bridge-go/router"
	"github.com/alpacahq/alpaca-bridge-go/stream"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run the bridge against the live broker feed and order API",
	Run:   runLive,
}

func init() {
	rootCmd.AddCommand(liveCmd)
}

func runLive(cmd *cobra.Command, args []string) {
	cfg := config.Env
	if err := cfg.ValidateLive(); err != nil {
		logrus.Errorf("[BRIDGE] configuration error: %v", err)
		os.Exit(exitConfig)
	}

	sessionID := uuid.NewString()
	symbols := cfg.SymbolList()
	logrus.Infof("[BRIDGE] starting live bridge %s for %v", sessionID, symbols)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	barsCreated, err := pipe.Ensure(cfg.Pipes.Bars)
	if err != nil {
		logrus.Errorf("[BRIDGE] market-data pipe: %v", err)
		os.Exit(exitIO)
	}
	if err := pipe.Recreate(cfg.Pipes.Orders); err != nil {
		logrus.Errorf("[BRIDGE] order pipe: %v", err)
		os.Exit(exitIO)
	}
	if err := pipe.Recreate(cfg.Pipes.Responses); err != nil {
		logrus.Errorf("[BRIDGE] response pipe: %v", err)
		os.Exit(exitIO)
	}

	pub := publish.New(cfg.Pipes.Bars)

	streamOpts := []stream.Option{
		stream.WithCredentials(cfg.APIKey, cfg.APISecret),
		stream.WithBars(func(b record.Bar) {
			pub.Publish(b)
		}, symbols...),
	}
	if cfg.StreamURL != "" {
		streamOpts = append(streamOpts, stream.WithBaseURL(cfg.StreamURL))
	}
	client := stream.NewClient(cfg.Feed, streamOpts...)

	if err := client.Connect(ctx); err != nil {
		logrus.Errorf("[BRIDGE] could not establish stream: %v", err)
		os.Exit(exitConfig)
	}

	rt := router.New(router.Config{
		API: broker.NewClient(broker.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BrokerURL,
			Timeout:   cfg.OrderTimeout(),
		}),
		OrderPath:    cfg.Pipes.Orders,
		ResponsePath: cfg.Pipes.Responses,
		OrderTimeout: cfg.OrderTimeout(),
		SettleDelay:  cfg.SettleDelay(),
	})
	routerErr := make(chan error, 1)
	routerDone := make(chan struct{})
	go func() {
		routerErr <- rt.Run(ctx)
		close(routerDone)
	}()

	// Ordered: the router must finish its in-flight request (and emit its
	// response) and the stream must stop feeding the publisher before the
	// publisher is closed, and the pipes are unlinked only after both.
	wait := gracefulShutdown(ctx, cfg.GracefulShutdownTimeout, []operation{
		{"stream and router", func(context.Context) error {
			cancel()
			<-routerDone
			<-client.Terminated()
			return nil
		}},
		{"publisher", func(context.Context) error {
			return pub.Close()
		}},
		{"pipes", func(context.Context) error {
			return removePipes(cfg, barsCreated)
		}},
	})

	select {
	case err := <-client.Terminated():
		if err != nil {
			logrus.Errorf("[BRIDGE] stream terminated: %v", err)
			os.Exit(exitConfig)
		}
		<-wait
	case err := <-routerErr:
		if err != nil {
			logrus.Errorf("[ORDER] router failed: %v", err)
			os.Exit(exitIO)
		}
		<-wait
	case <-wait:
	}

	published, dropped := pub.Counts()
	processed, rejectedCount := rt.Counts()
	logrus.Infof("[BRIDGE] session %s done: %d bars published, %d dropped, %d orders processed, %d rejected",
		sessionID, published, dropped, processed, rejectedCount)
}

// removePipes unlinks the pipe endpoints this run owns: the order and
// response pipes are always recreated at startup; the market-data pipe
// only if it did not pre-exist.
func removePipes(cfg *config.Config, barsCreated bool) error {
	if barsCreated {
		if err := pipe.Remove(cfg.Pipes.Bars); err != nil {
			return err
		}
	}
	if err := pipe.Remove(cfg.Pipes.Orders); err != nil {
		return err
	}
	return pipe.Remove(cfg.Pipes.Responses)
}
