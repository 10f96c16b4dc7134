package fanout

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

func testFlow() *flow.Config {
	return &flow.Config{
		Meta:  flow.Meta{Name: "Test"},
		Start: "A",
		States: map[string]flow.State{
			"A": {},
		},
	}
}

func hubFixture(t *testing.T) (*Hub, session.Store) {
	t.Helper()
	store := inmem.New()
	require.NoError(t, store.CreateSession(context.Background(), session.NewState("s1", testFlow()), testFlow()))
	hub, err := New(store)
	require.NoError(t, err)
	return hub, store
}

func recv(t *testing.T, obs *Observer) session.Event {
	t.Helper()
	select {
	case ev, ok := <-obs.Events():
		require.True(t, ok, "observer channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return session.Event{}
	}
}

func TestAttachSendsSyntheticStart(t *testing.T) {
	hub, _ := hubFixture(t)
	defer hub.Close()

	obs, err := hub.Attach(context.Background(), "s1")
	require.NoError(t, err)
	defer obs.Close()

	ev := recv(t, obs)
	assert.Equal(t, session.EventSessionStarted, ev.Type)
	assert.Equal(t, "s1", ev.Data["session_id"])
	assert.Zero(t, ev.Seq, "synthetic event carries no log seq")
}

func TestAttachUnknownSession(t *testing.T) {
	hub, _ := hubFixture(t)
	defer hub.Close()

	_, err := hub.Attach(context.Background(), "nope")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestFanOutToMultipleObservers(t *testing.T) {
	hub, store := hubFixture(t)
	defer hub.Close()
	ctx := context.Background()

	a, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	b, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.ObserverCount("s1"))

	// Drain the synthetic start events first.
	recv(t, a)
	recv(t, b)

	_, err = store.Emit(ctx, "s1", session.EventSay, map[string]any{"text": "hi"})
	require.NoError(t, err)

	for _, obs := range []*Observer{a, b} {
		ev := recv(t, obs)
		assert.Equal(t, session.EventSay, ev.Type)
		assert.Equal(t, int64(1), ev.Seq)
	}
	a.Close()
	b.Close()
}

func TestLastObserverOutClosesSubscription(t *testing.T) {
	hub, store := hubFixture(t)
	defer hub.Close()
	ctx := context.Background()

	a, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	b, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)

	a.Close()
	assert.Equal(t, 1, hub.ObserverCount("s1"))
	b.Close()
	assert.Equal(t, 0, hub.ObserverCount("s1"))

	// Re-attaching opens a fresh subscription and still works.
	c, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	defer c.Close()
	recv(t, c) // synthetic start

	_, err = store.Emit(ctx, "s1", session.EventSay, map[string]any{"text": "again"})
	require.NoError(t, err)
	assert.Equal(t, session.EventSay, recv(t, c).Type)
}

func TestObserverCloseIsIdempotent(t *testing.T) {
	hub, _ := hubFixture(t)
	defer hub.Close()

	obs, err := hub.Attach(context.Background(), "s1")
	require.NoError(t, err)
	obs.Close()
	obs.Close()
	assert.Equal(t, 0, hub.ObserverCount("s1"))
}

func TestSlowObserverEvicted(t *testing.T) {
	hub, store := hubFixture(t)
	defer hub.Close()
	ctx := context.Background()

	slow, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	fast, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	recv(t, fast)

	// The slow observer never reads: its buffer holds the synthetic start
	// plus observerBuffer-1 events, then it is evicted. The fast observer
	// keeps draining and must see everything.
	go func() {
		for i := 0; i < observerBuffer+8; i++ {
			if _, err := store.Emit(ctx, "s1", session.EventSay, map[string]any{"n": i}); err != nil {
				return
			}
		}
	}()
	for i := 0; i < observerBuffer+8; i++ {
		assert.Equal(t, session.EventSay, recv(t, fast).Type)
	}

	deadline := time.Now().Add(time.Second)
	for hub.ObserverCount("s1") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, hub.ObserverCount("s1"), "slow observer should be evicted")

	// The evicted observer's channel ends after its buffered backlog.
	drained := 0
	for range slow.Events() {
		drained++
	}
	assert.LessOrEqual(t, drained, observerBuffer)
	fast.Close()
}

func TestCatchUpThenLive(t *testing.T) {
	hub, store := hubFixture(t)
	defer hub.Close()
	ctx := context.Background()

	// Events published before attachment are only in the durable log.
	for i := 0; i < 3; i++ {
		_, err := store.Emit(ctx, "s1", session.EventSay, map[string]any{"n": i})
		require.NoError(t, err)
	}

	obs, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	defer obs.Close()
	recv(t, obs) // synthetic start

	backlog, err := store.Events(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, backlog, 3)
	lastSeq := backlog[len(backlog)-1].Seq

	_, err = store.Emit(ctx, "s1", session.EventAsk, map[string]any{"text": "?"})
	require.NoError(t, err)

	live := recv(t, obs)
	assert.Equal(t, session.EventAsk, live.Type)
	assert.Greater(t, live.Seq, lastSeq, "live events continue the log numbering")
}

func TestObserversReleasedOnSessionDelete(t *testing.T) {
	hub, store := hubFixture(t)
	defer hub.Close()
	ctx := context.Background()

	obs, err := hub.Attach(ctx, "s1")
	require.NoError(t, err)
	recv(t, obs)

	require.NoError(t, store.DeleteSession(ctx, "s1"))

	select {
	case _, ok := <-obs.Events():
		assert.False(t, ok, "channel should close when the session ends")
	case <-time.After(time.Second):
		t.Fatal("observer not released")
	}
}

func TestHubClose(t *testing.T) {
	hub, _ := hubFixture(t)

	obs, err := hub.Attach(context.Background(), "s1")
	require.NoError(t, err)
	recv(t, obs)

	hub.Close()

	select {
	case _, ok := <-obs.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("observer not released on hub close")
	}

	_, err = hub.Attach(context.Background(), "s1")
	assert.Error(t, err)
}
