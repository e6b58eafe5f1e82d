package apisec

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitPending(t *testing.T, c *Controller, n int) []HeldItemView {
	t.Helper()
	var views []HeldItemView
	require.Eventually(t, func() bool {
		views = c.Pending()
		return len(views) == n
	}, 2*time.Second, 5*time.Millisecond, "expected %d held items", n)
	return views
}

func holdAsync(c *Controller, ctx context.Context, phase Phase, txID uint64) <-chan Action {
	out := make(chan Action, 1)
	go func() {
		out <- c.Hold(ctx, phase, txID, Snapshot{URL: "http://example.com/"})
	}()
	return out
}

func TestController_ResolveForward(t *testing.T) {
	bus := NewEventBus(nil)
	sub := bus.Subscribe(8)
	c := NewController(InterceptionConfig{InterceptRequests: true}, bus, nil, discardLogger())

	result := holdAsync(c, context.Background(), PhaseRequest, 7)
	views := waitPending(t, c, 1)
	assert.Equal(t, uint64(7), views[0].TransactionID)
	assert.Equal(t, PhaseRequest, views[0].Phase)

	select {
	case ev := <-sub.Events():
		require.Equal(t, EventHeld, ev.Kind)
		assert.Equal(t, views[0].ID, ev.Held.ID)
	case <-time.After(time.Second):
		t.Fatal("no held event")
	}

	require.NoError(t, c.Resolve(views[0].ID, ForwardAction()))
	assert.Equal(t, ActionForward, (<-result).Kind)
	assert.Empty(t, c.Pending())
}

func TestController_ResolveUnknown(t *testing.T) {
	c := NewController(InterceptionConfig{}, nil, nil, discardLogger())
	assert.ErrorIs(t, c.Resolve("missing", ForwardAction()), ErrNotFound)
}

func TestController_ResolveTwice(t *testing.T) {
	c := NewController(InterceptionConfig{}, nil, nil, discardLogger())
	result := holdAsync(c, context.Background(), PhaseRequest, 1)
	id := waitPending(t, c, 1)[0].ID

	require.NoError(t, c.Resolve(id, DropAction()))
	assert.ErrorIs(t, c.Resolve(id, ForwardAction()), ErrNotFound)
	assert.Equal(t, ActionDrop, (<-result).Kind)
}

func TestController_ActionPhaseMismatch(t *testing.T) {
	c := NewController(InterceptionConfig{}, nil, nil, discardLogger())

	req := holdAsync(c, context.Background(), PhaseRequest, 1)
	id := waitPending(t, c, 1)[0].ID

	err := c.Resolve(id, ModifyResponseAction(500, nil, nil))
	assert.ErrorIs(t, err, ErrActionPhase)
	assert.Len(t, c.Pending(), 1, "item stays pending after a rejected action")

	require.NoError(t, c.Resolve(id, ModifyRequestAction("PUT", "", nil, []byte("x"))))
	got := <-req
	assert.Equal(t, ActionModifyRequest, got.Kind)
	assert.Equal(t, "PUT", got.Method)

	resp := holdAsync(c, context.Background(), PhaseResponse, 2)
	id = waitPending(t, c, 1)[0].ID
	assert.ErrorIs(t, c.Resolve(id, ModifyRequestAction("GET", "", nil, nil)), ErrActionPhase)
	assert.ErrorIs(t, c.Resolve(id, ModifyResponseAction(42, nil, nil)), ErrInvalidAction)
	require.NoError(t, c.Resolve(id, ModifyResponseAction(418, nil, nil)))
	assert.Equal(t, 418, (<-resp).Status)
}

func TestController_CancelledContextDrops(t *testing.T) {
	c := NewController(InterceptionConfig{}, nil, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	result := holdAsync(c, ctx, PhaseRequest, 1)
	waitPending(t, c, 1)
	cancel()

	assert.Equal(t, ActionDrop, (<-result).Kind)
	assert.Empty(t, c.Pending())
}

func TestController_CloseDropsAll(t *testing.T) {
	c := NewController(InterceptionConfig{}, nil, nil, discardLogger())

	results := []<-chan Action{
		holdAsync(c, context.Background(), PhaseRequest, 1),
		holdAsync(c, context.Background(), PhaseRequest, 2),
		holdAsync(c, context.Background(), PhaseResponse, 3),
	}
	waitPending(t, c, 3)

	assert.Equal(t, 3, c.Close())
	for _, r := range results {
		assert.Equal(t, ActionDrop, (<-r).Kind)
	}
	assert.Empty(t, c.Pending())

	// Holds after Close resolve immediately.
	assert.Equal(t, ActionDrop, c.Hold(context.Background(), PhaseRequest, 4, Snapshot{}).Kind)

	c.Open()
	result := holdAsync(c, context.Background(), PhaseRequest, 5)
	id := waitPending(t, c, 1)[0].ID
	require.NoError(t, c.Resolve(id, ForwardAction()))
	assert.Equal(t, ActionForward, (<-result).Kind)
}

func TestController_PendingOrder(t *testing.T) {
	c := NewController(InterceptionConfig{}, nil, nil, discardLogger())
	defer c.Close()

	for i := uint64(1); i <= 3; i++ {
		holdAsync(c, context.Background(), PhaseRequest, i)
		waitPending(t, c, int(i))
	}

	views := c.Pending()
	for i, v := range views {
		assert.Equal(t, uint64(i+1), v.TransactionID)
	}
}

func TestController_ConcurrentResolve(t *testing.T) {
	c := NewController(InterceptionConfig{}, nil, nil, discardLogger())
	result := holdAsync(c, context.Background(), PhaseRequest, 1)
	id := waitPending(t, c, 1)[0].ID

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Resolve(id, ForwardAction()) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one resolution is delivered")
	assert.Equal(t, ActionForward, (<-result).Kind)
}

func TestController_SetConfig(t *testing.T) {
	c := NewController(InterceptionConfig{CaptureBody: true}, nil, nil, discardLogger())
	assert.True(t, c.Config().CaptureBody)

	c.SetConfig(InterceptionConfig{InterceptResponses: true})
	cfg := c.Config()
	assert.False(t, cfg.CaptureBody)
	assert.True(t, cfg.InterceptResponses)
}

func TestActionKind_JSON(t *testing.T) {
	var rr struct {
		Action ActionKind `json:"action"`
		Phase  Phase      `json:"phase"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"action":"modify_response","phase":"response"}`), &rr))
	assert.Equal(t, ActionModifyResponse, rr.Action)
	assert.Equal(t, PhaseResponse, rr.Phase)

	assert.Error(t, json.Unmarshal([]byte(`{"action":"explode"}`), &rr))
}
