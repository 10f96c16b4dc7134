// Package fanout bridges the session store's pub/sub channel to any number
// of live observers per session. The first observer of a session opens one
// store subscription; the last one to leave closes it. Dead observers are
// evicted without affecting the session.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/telemetry"
)

type (
	// Hub manages per-session observer sets with reference-counted store
	// subscriptions.
	Hub struct {
		store  session.Store
		logger telemetry.Logger

		mu       sync.Mutex
		sessions map[string]*fan
		closed   bool
	}

	// Option configures optional Hub behavior.
	Option func(*Hub)

	// Observer is one live subscriber to a session's events. Events arrive
	// on a buffered channel; observers that fall behind are evicted and
	// must re-attach and catch up from their last acknowledged seq.
	Observer struct {
		hub       *Hub
		sessionID string
		ch        chan session.Event
		once      sync.Once
	}

	fan struct {
		sub       session.Subscription
		observers map[*Observer]struct{}
	}
)

const observerBuffer = 64

// WithLogger sets the hub logger. Defaults to noop.
func WithLogger(logger telemetry.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// New constructs a hub over the given store.
func New(store session.Store, opts ...Option) (*Hub, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	h := &Hub{
		store:    store,
		logger:   telemetry.NewNoopLogger(),
		sessions: make(map[string]*fan),
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h, nil
}

// Attach registers a new observer for the session. The observer first
// receives a synthetic session.started event, then every event published
// after attachment. Observers performing a catch-up read must de-duplicate
// by seq.
func (h *Hub) Attach(ctx context.Context, sessionID string) (*Observer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub is closed")
	}
	f, ok := h.sessions[sessionID]
	if !ok {
		sub, err := h.store.Subscribe(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("subscribe session %s: %w", sessionID, err)
		}
		f = &fan{sub: sub, observers: make(map[*Observer]struct{})}
		h.sessions[sessionID] = f
		go h.pump(sessionID, f)
	}
	obs := &Observer{hub: h, sessionID: sessionID, ch: make(chan session.Event, observerBuffer)}
	f.observers[obs] = struct{}{}
	obs.ch <- session.Event{
		Type:      session.EventSessionStarted,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"session_id": sessionID},
	}
	return obs, nil
}

// pump dispatches every event from the store subscription to the session's
// observers. Observers with a full buffer are evicted; delivery to the rest
// continues.
func (h *Hub) pump(sessionID string, f *fan) {
	for ev := range f.sub.Events() {
		h.mu.Lock()
		var dead []*Observer
		for obs := range f.observers {
			select {
			case obs.ch <- ev:
			default:
				dead = append(dead, obs)
			}
		}
		h.mu.Unlock()
		for _, obs := range dead {
			h.logger.Warn(context.Background(), "evicting slow observer", "session_id", sessionID)
			obs.Close()
		}
	}
	// Subscription ended (session deleted or backend gone): release every
	// remaining observer.
	h.mu.Lock()
	remaining := make([]*Observer, 0, len(f.observers))
	for obs := range f.observers {
		remaining = append(remaining, obs)
	}
	h.mu.Unlock()
	for _, obs := range remaining {
		obs.Close()
	}
}

// detach removes the observer; the last one out closes the subscription.
func (h *Hub) detach(obs *Observer) {
	h.mu.Lock()
	f, ok := h.sessions[obs.sessionID]
	if ok {
		delete(f.observers, obs)
		if len(f.observers) == 0 {
			delete(h.sessions, obs.sessionID)
		} else {
			f = nil
		}
	}
	h.mu.Unlock()
	if ok && f != nil {
		if err := f.sub.Close(); err != nil {
			h.logger.Warn(context.Background(), "close session subscription failed",
				"session_id", obs.sessionID, "err", err)
		}
	}
}

// ObserverCount reports the number of live observers for a session.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(f.observers)
}

// Close detaches every observer and closes all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Observer
	for _, f := range h.sessions {
		for obs := range f.observers {
			all = append(all, obs)
		}
	}
	h.mu.Unlock()
	for _, obs := range all {
		obs.Close()
	}
}

// Events returns the observer's event channel. It closes when the observer
// is detached for any reason.
func (o *Observer) Events() <-chan session.Event { return o.ch }

// Close detaches the observer from the hub. Idempotent.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.hub.detach(o)
		close(o.ch)
	})
}
