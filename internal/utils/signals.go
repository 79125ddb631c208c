package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// SetupSignalHandlers returns a context cancelled by the first SIGINT or
// SIGTERM. A second signal exits immediately with status 130.
func SetupSignalHandlers(parent context.Context, logger zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-c:
			logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
			signal.Stop(c)
			return
		}

		select {
		case sig := <-c:
			logger.Warn().Str("signal", sig.String()).Msg("received second signal, exiting")
			os.Exit(130)
		case <-parent.Done():
		}
		signal.Stop(c)
	}()

	return ctx, cancel
}
