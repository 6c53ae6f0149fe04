package yblocker

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the custom rules.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// Wait blocks until the watcher exits.
func (r *SIGHUPReloader) Wait() {
	<-r.done
}

// ReloadFunc is called on each SIGHUP.
type ReloadFunc func(ctx context.Context) error

// WatchSIGHUP starts a goroutine that calls reload for every SIGHUP until
// ctx is done or the watcher is cancelled. The signal handler is installed
// before WatchSIGHUP returns. Reload errors are logged and do not stop the
// watcher.
func WatchSIGHUP(ctx context.Context, reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading custom rules")
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("custom rules reloaded")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
