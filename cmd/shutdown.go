package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// operation is one named clean up step.
type operation struct {
	name string
	fn   func(ctx context.Context) error
}

// gracefulShutdown waits for termination signals and runs the clean up
// operations after receiving one. The operations run strictly in order:
// later steps (closing the publisher, unlinking the pipes) depend on
// earlier ones having quiesced the workers that use those resources. The
// returned channel closes when all operations have finished.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops []operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)
		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM)
		<-s

		logrus.Info("shutting down")

		// set timeout for the ops to be done to prevent system hang
		timeoutFunc := time.AfterFunc(timeout, func() {
			logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
			os.Exit(0)
		})

		defer timeoutFunc.Stop()

		for _, op := range ops {
			logrus.Info(fmt.Sprintf("cleaning up: %s", op.name))
			if err := op.fn(ctx); err != nil {
				logrus.Error(fmt.Sprintf("%s: clean up failed: %s", op.name, err.Error()))
				continue
			}

			logrus.Info(fmt.Sprintf("%s was shutdown gracefully", op.name))
		}

		close(wait)
	}()

	return wait
}
