package apisec

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadSignals_Reload(t *testing.T) {
	engine := NewFindingEngine(FindingEngineOptions{Logger: discardLogger()})
	require.NoError(t, engine.Replace([]Signature{{ID: "OLD", Pattern: "old"}}))
	loader := NewSignatureReloader(engine, NewStaticLoader(Signature{ID: "NEW", Pattern: "new"}))

	watcher := WatchReloadSignals(loader.Load, discardLogger(), syscall.SIGUSR1)
	defer watcher.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))
	require.Eventually(t, func() bool {
		ok, _ := watcher.Reloads()
		return ok == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := engine.Get("NEW")
	assert.True(t, ok, "pack signature loaded")
	_, ok = engine.Get("OLD")
	assert.False(t, ok, "previous custom set replaced")
}

func TestWatchReloadSignals_FailedReloadKeepsSignatures(t *testing.T) {
	engine := NewFindingEngine(FindingEngineOptions{Logger: discardLogger()})
	require.NoError(t, engine.Replace([]Signature{{ID: "KEEP", Pattern: "keep"}}))
	loader := NewSignatureReloader(engine, SignatureLoaderFunc(func(context.Context) ([]Signature, error) {
		return nil, errors.New("pack unreadable")
	}))

	watcher := WatchReloadSignals(loader.Load, discardLogger())
	defer watcher.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	require.Eventually(t, func() bool {
		_, failed := watcher.Reloads()
		return failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := engine.Get("KEEP")
	assert.True(t, ok, "signatures survive a failed reload")
}

func TestSignalWatcher_StopWaitsForReload(t *testing.T) {
	var running atomic.Bool
	release := make(chan struct{})
	watcher := WatchReloadSignals(func(ctx context.Context) error {
		running.Store(true)
		select {
		case <-release:
		case <-ctx.Done():
		}
		running.Store(false)
		return ctx.Err()
	}, discardLogger(), syscall.SIGUSR2)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR2))
	require.Eventually(t, running.Load, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, running.Load(), "reload observed cancellation before Stop returned")
	close(release)
}
