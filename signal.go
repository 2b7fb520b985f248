package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals are the termination signals the daemon drains on.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// shutdownContext derives the daemon's run context: it ends on the first
// SIGINT/SIGTERM, which starts the graceful path (producers stop, in-flight
// uploads drain, the state store flushes). Once the drain is underway a
// second-signal escape hatch is armed for the case where it wedges.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, shutdownSignals...)

	go func() {
		<-ctx.Done()

		// Unregister so the escape hatch below owns signal delivery.
		stop()

		if parent.Err() != nil {
			return
		}

		logger.Info("shutdown signal received, draining")
		armForceExit(logger)
	}()

	return ctx
}

// armForceExit exits the process on the next termination signal. The drain
// normally finishes within its 30-second window; this is the operator's way
// out when it does not.
func armForceExit(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals...)

	go func() {
		sig := <-sigCh
		logger.Warn("second signal during drain, exiting immediately",
			"signal", sig.String())
		os.Exit(exitRuntimeError)
	}()
}
