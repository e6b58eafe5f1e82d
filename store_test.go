package apisec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStore_CRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sig := Signature{
		ID:       "stripe-live",
		Name:     "Stripe live key",
		Pattern:  `sk_live_[0-9a-zA-Z]{24}`,
		Severity: SeverityHigh,
		Category: "secrets",
		Scope:    ScopeAny,
		Enabled:  true,
	}
	require.NoError(t, store.SaveSignature(ctx, sig))
	assert.Error(t, store.SaveSignature(ctx, sig), "ids are unique")

	sigs, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, sig, sigs[0])

	require.NoError(t, store.SetSignatureEnabled(ctx, "stripe-live", false))
	sigs, err = store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, sigs[0].Enabled)

	require.NoError(t, store.DeleteSignature(ctx, "stripe-live"))
	sigs, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	err = store.DeleteSignature(ctx, "stripe-live")
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, store.SetSignatureEnabled(ctx, "missing", true), ErrNotFound)
}

func TestSQLStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "signatures.db")

	store, err := OpenSQLStore(ctx, path)
	require.NoError(t, err)

	engine := NewFindingEngine(FindingEngineOptions{Store: store, Logger: discardLogger()})
	require.NoError(t, engine.Add(ctx, Signature{ID: "A", Pattern: "a"}))
	require.NoError(t, engine.Add(ctx, Signature{ID: "B", Pattern: "b", Severity: SeverityLow}))
	require.NoError(t, engine.SetEnabled(ctx, "B", false))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLStore(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	fresh := NewFindingEngine(FindingEngineOptions{Store: reopened, Logger: discardLogger()})
	require.NoError(t, NewSignatureReloader(fresh, reopened).Load(ctx))

	a, ok := fresh.Get("A")
	require.True(t, ok)
	assert.True(t, a.Enabled)
	assert.Equal(t, SeverityInfo, a.Severity)

	b, ok := fresh.Get("B")
	require.True(t, ok)
	assert.False(t, b.Enabled)
	assert.Equal(t, SeverityLow, b.Severity)
}
