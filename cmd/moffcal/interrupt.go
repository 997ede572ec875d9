package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// interruptible returns a context that is cancelled by the first of
// stopSignals. The signal is logged, since the stored run only shows that
// it stopped early.
func interruptible(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, stopSignals...)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("stopping run", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
