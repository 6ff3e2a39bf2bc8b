package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"galaxyctl/pkg/logging"
)

// WithInterrupt returns a context that is cancelled on SIGINT or SIGTERM.
// Long running commands (start --foreground, follow, update --watch) run
// under it so that Ctrl+C ends them cleanly and backends still get to
// terminate their children.
func WithInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logging.Info("CLI", "Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
