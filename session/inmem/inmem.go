// Package inmem provides an in-memory session.Store with the same semantics
// as the Redis backend: fail-fast locking with expiry, a gapless sequence
// counter, an ordered event log and live publication. It backs unit tests
// and single-process runs that have no Redis available.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/session"
)

type (
	// Store keeps all session records in process memory.
	Store struct {
		mu       sync.Mutex
		sessions map[string]*record
	}

	record struct {
		state      []byte
		flow       []byte
		seq        int64
		log        []session.Event
		lockNonce  string
		lockExpiry time.Time
		subs       map[*subscription]struct{}
	}

	subscription struct {
		store     *Store
		sessionID string
		ch        chan session.Event
		once      sync.Once
	}
)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{sessions: make(map[string]*record)}
}

// CreateSession persists the initial state and flow binding.
func (s *Store) CreateSession(_ context.Context, state *session.State, cfg *flow.Config) error {
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	flowRaw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[state.SessionID]; ok {
		return session.ErrExists
	}
	s.sessions[state.SessionID] = &record{
		state: stateRaw,
		flow:  flowRaw,
		subs:  make(map[*subscription]struct{}),
	}
	return nil
}

// LoadSession returns a copy of the current state.
func (s *Store) LoadSession(_ context.Context, sessionID string) (*session.State, error) {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, session.ErrNotFound
	}
	var st session.State
	if err := json.Unmarshal(rec.state, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// SaveSession overwrites the state record.
func (s *Store) SaveSession(_ context.Context, state *session.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[state.SessionID]
	if !ok {
		return session.ErrNotFound
	}
	rec.state = raw
	return nil
}

// LoadFlow returns the flow bound at session creation.
func (s *Store) LoadFlow(_ context.Context, sessionID string) (*flow.Config, error) {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, session.ErrNotFound
	}
	var cfg flow.Config
	if err := json.Unmarshal(rec.flow, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &cfg, nil
}

// DeleteSession drops every record and closes live subscriptions.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	for sub := range rec.subs {
		sub.close(false)
	}
	return nil
}

// WithLock acquires the session lock with a fresh nonce, runs fn and
// releases only if the nonce still matches. Fails fast with ErrLockHeld.
func (s *Store) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	nonce := uuid.NewString()
	now := time.Now()
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return session.ErrNotFound
	}
	if rec.lockNonce != "" && now.Before(rec.lockExpiry) {
		s.mu.Unlock()
		return session.ErrLockHeld
	}
	rec.lockNonce = nonce
	rec.lockExpiry = now.Add(session.LockTTL)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if rec.lockNonce == nonce {
			rec.lockNonce = ""
		}
		s.mu.Unlock()
	}()
	return fn(ctx)
}

// Emit assigns the next sequence number, appends to the log and delivers to
// live subscribers. Delivery happens under the store mutex: a subscription
// detaches under the same mutex before its channel closes, so a send can
// never race the close.
func (s *Store) Emit(_ context.Context, sessionID string, typ session.EventType, data map[string]any) (session.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return session.Event{}, session.ErrNotFound
	}
	rec.seq++
	ev := session.Event{
		Type:      typ,
		SessionID: sessionID,
		Seq:       rec.seq,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	rec.log = append(rec.log, ev)
	for sub := range rec.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; it must catch up via the log.
		}
	}
	return ev, nil
}

// Events returns logged events with Seq > since in order.
func (s *Store) Events(_ context.Context, sessionID string, since int64) ([]session.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	var out []session.Event
	for _, ev := range rec.log {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Subscribe opens a live feed of events emitted after the call.
func (s *Store) Subscribe(_ context.Context, sessionID string) (session.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	sub := &subscription{store: s, sessionID: sessionID, ch: make(chan session.Event, 256)}
	rec.subs[sub] = struct{}{}
	return sub, nil
}

// Events returns the live event channel. The channel closes when the
// subscription closes or the session is deleted.
func (sub *subscription) Events() <-chan session.Event { return sub.ch }

// Close detaches the subscription from the store.
func (sub *subscription) Close() error {
	sub.close(true)
	return nil
}

func (sub *subscription) close(detach bool) {
	sub.once.Do(func() {
		if detach {
			sub.store.mu.Lock()
			if rec, ok := sub.store.sessions[sub.sessionID]; ok {
				delete(rec.subs, sub)
			}
			sub.store.mu.Unlock()
		}
		close(sub.ch)
	})
}
