package apisec

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// SignalWatcher re-reads the custom signature pack each time the process
// receives a reload signal. Signals that arrive while a reload is running
// collapse into one follow-up reload.
type SignalWatcher struct {
	stop     context.CancelFunc
	done     chan struct{}
	reloaded atomic.Uint64
	failed   atomic.Uint64
}

// WatchReloadSignals calls reload, usually Engine.ReloadSignatures, on each
// of sigs. With no sigs it listens for SIGHUP. A failed reload is logged and
// leaves the active signature set untouched.
func WatchReloadSignals(reload func(context.Context) error, logger *slog.Logger, sigs ...os.Signal) *SignalWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGHUP}
	}
	ctx, stop := context.WithCancel(context.Background())
	w := &SignalWatcher{stop: stop, done: make(chan struct{})}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	go func() {
		defer close(w.done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				logger.Info("reloading signature pack", "signal", sig.String())
				if err := reload(ctx); err != nil {
					w.failed.Add(1)
					logger.Error("signature pack reload failed, keeping active signatures", "error", err)
					continue
				}
				w.reloaded.Add(1)
				logger.Info("signature pack reloaded")
			}
		}
	}()
	return w
}

// Reloads reports how many signal-triggered reloads succeeded and failed.
func (w *SignalWatcher) Reloads() (ok, failed uint64) {
	return w.reloaded.Load(), w.failed.Load()
}

// Stop unregisters the signals and waits for an in-flight reload to return.
func (w *SignalWatcher) Stop() {
	w.stop()
	<-w.done
}
