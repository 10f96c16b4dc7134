package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/session/inmem"
)

func opsFixture(t *testing.T) (session.Store, *session.State) {
	t.Helper()
	cfg := &flow.Config{
		Meta:  flow.Meta{Name: "Ops"},
		Start: "A",
		States: map[string]flow.State{
			"A": {}, "B": {},
		},
	}
	store := inmem.New()
	st := session.NewState("s1", cfg)
	require.NoError(t, store.CreateSession(context.Background(), st, cfg))
	return store, st
}

func lastEvent(t *testing.T, store session.Store) session.Event {
	t.Helper()
	events, err := store.Events(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestUpdateContext(t *testing.T) {
	store, st := opsFixture(t)
	ctx := context.Background()

	require.NoError(t, session.UpdateContext(ctx, store, st, map[string]any{
		"partySize":    float64(4),
		"contact.name": "John Doe",
	}))

	assert.Equal(t, float64(4), st.Context["partySize"])

	reloaded, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "John Doe"}, reloaded.Context["contact"])

	ev := lastEvent(t, store)
	assert.Equal(t, session.EventStateUpdated, ev.Type)
	merged, ok := ev.Data["ctx"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(4), merged["partySize"])
}

func TestTransitionTo(t *testing.T) {
	store, st := opsFixture(t)
	ctx := context.Background()

	require.NoError(t, session.TransitionTo(ctx, store, st, "B"))
	assert.Equal(t, "B", st.CurrentState)

	reloaded, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "B", reloaded.CurrentState)

	ev := lastEvent(t, store)
	assert.Equal(t, session.EventTransition, ev.Type)
	assert.Equal(t, "A", ev.Data["from"])
	assert.Equal(t, "B", ev.Data["to"])
}

func TestStoreIntentDoesNotEmit(t *testing.T) {
	store, st := opsFixture(t)
	ctx := context.Background()

	require.NoError(t, session.StoreIntent(ctx, store, st, &session.Intent{Name: "BOOK", Confidence: 0.9}))

	reloaded, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastIntent)
	assert.Equal(t, "BOOK", reloaded.LastIntent.Name)

	events, err := store.Events(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStoreToolCallAndResult(t *testing.T) {
	store, st := opsFixture(t)
	ctx := context.Background()

	call := &session.ToolCall{ID: "tc-1", Name: "Lookup", Args: map[string]any{"q": "x"}, Timestamp: time.Now()}
	require.NoError(t, session.StoreToolCall(ctx, store, st, call))

	ev := lastEvent(t, store)
	assert.Equal(t, session.EventToolCall, ev.Type)
	assert.Equal(t, "tc-1", ev.Data["tool_call_id"])
	assert.Equal(t, "Lookup", ev.Data["name"])

	res := &session.ToolResult{CallID: "tc-1", Result: map[string]any{"ok": true}, Timestamp: time.Now()}
	require.NoError(t, session.StoreToolResult(ctx, store, st, res))

	ev = lastEvent(t, store)
	assert.Equal(t, session.EventToolResult, ev.Type)
	assert.Equal(t, "tc-1", ev.Data["tool_call_id"])

	reloaded, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastToolCall)
	require.NotNil(t, reloaded.LastToolResult)
	assert.Equal(t, reloaded.LastToolCall.ID, reloaded.LastToolResult.CallID)
}
