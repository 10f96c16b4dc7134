// Package redis implements session.Store on Redis. The layout per session S:
//
//	state:S  — serialized session state
//	flow:S   — serialized flow config
//	seq:S    — monotonic event counter (INCR)
//	stream:S — ordered event log (XADD, entries hold one field "json")
//	lock:S   — per-session lock key (SET NX with nonce and TTL)
//	pub:S    — pub/sub topic carrying the same JSON as the log
//
// The counter plus stream plus topic give subscribers exactly-once delivery
// after de-duplicating by seq: catch up with a range read, then follow the
// live topic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/telemetry"
)

type (
	// Store is a Redis-backed session store.
	Store struct {
		rdb    *redis.Client
		logger telemetry.Logger
	}

	// Option configures optional Store behavior.
	Option func(*Store)

	subscription struct {
		pubsub *redis.PubSub
		ch     chan session.Event
		cancel context.CancelFunc
		once   sync.Once
	}
)

// releaseScript deletes the lock only while it still holds our nonce, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// WithLogger sets the store logger. Defaults to a noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New builds a Store on the provided Redis client.
func New(rdb *redis.Client, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{rdb: rdb, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func stateKey(id string) string  { return "state:" + id }
func flowKey(id string) string   { return "flow:" + id }
func seqKey(id string) string    { return "seq:" + id }
func streamKey(id string) string { return "stream:" + id }
func lockKey(id string) string   { return "lock:" + id }
func pubTopic(id string) string  { return "pub:" + id }

// CreateSession persists the initial state and flow binding. The state key
// is written with SETNX so duplicate IDs are rejected.
func (s *Store) CreateSession(ctx context.Context, state *session.State, cfg *flow.Config) error {
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	flowRaw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, stateKey(state.SessionID), stateRaw, 0).Result()
	if err != nil {
		return fmt.Errorf("create session state: %w", err)
	}
	if !ok {
		return session.ErrExists
	}
	if err := s.rdb.Set(ctx, flowKey(state.SessionID), flowRaw, 0).Err(); err != nil {
		return fmt.Errorf("store flow config: %w", err)
	}
	return nil
}

// LoadSession returns the current state or session.ErrNotFound.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*session.State, error) {
	raw, err := s.rdb.Get(ctx, stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var st session.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// SaveSession overwrites the state record.
func (s *Store) SaveSession(ctx context.Context, state *session.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(state.SessionID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadFlow returns the flow bound at session creation.
func (s *Store) LoadFlow(ctx context.Context, sessionID string) (*flow.Config, error) {
	raw, err := s.rdb.Get(ctx, flowKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}
	var cfg flow.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &cfg, nil
}

// DeleteSession drops every key owned by the session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	keys := []string{
		stateKey(sessionID),
		flowKey(sessionID),
		seqKey(sessionID),
		streamKey(sessionID),
		lockKey(sessionID),
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// WithLock acquires lock:S with a caller-generated nonce and the standard
// lease, runs fn and releases via an atomic compare-and-delete. Fails fast
// with session.ErrLockHeld when the lock is taken.
func (s *Store) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	nonce := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, lockKey(sessionID), nonce, session.LockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return session.ErrLockHeld
	}
	defer func() {
		// Release on a fresh context so lock cleanup survives caller
		// cancellation; expiry covers the crash case.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, s.rdb, []string{lockKey(sessionID)}, nonce).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn(releaseCtx, "session lock release failed", "session_id", sessionID, "err", err)
		}
	}()
	return fn(ctx)
}

// Emit increments seq:S, appends the enriched event to stream:S and
// publishes the same JSON on pub:S.
func (s *Store) Emit(ctx context.Context, sessionID string, typ session.EventType, data map[string]any) (session.Event, error) {
	seq, err := s.rdb.Incr(ctx, seqKey(sessionID)).Result()
	if err != nil {
		return session.Event{}, fmt.Errorf("next seq: %w", err)
	}
	ev := session.Event{
		Type:      typ,
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return session.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(sessionID),
		Values: map[string]any{"json": raw},
	}).Err(); err != nil {
		return session.Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := s.rdb.Publish(ctx, pubTopic(sessionID), raw).Err(); err != nil {
		return session.Event{}, fmt.Errorf("publish event: %w", err)
	}
	return ev, nil
}

// Events range-reads stream:S and returns events with Seq > since in order.
func (s *Store) Events(ctx context.Context, sessionID string, since int64) ([]session.Event, error) {
	msgs, err := s.rdb.XRange(ctx, streamKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}
	var out []session.Event
	for _, msg := range msgs {
		raw, ok := msg.Values["json"].(string)
		if !ok {
			continue
		}
		var ev session.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.logger.Warn(ctx, "skip malformed event log entry", "session_id", sessionID, "stream_id", msg.ID, "err", err)
			continue
		}
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Subscribe opens a pub/sub subscription on pub:S and decodes frames into a
// typed channel. The channel closes when the subscription is closed or the
// connection drops.
func (s *Store) Subscribe(ctx context.Context, sessionID string) (session.Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, pubTopic(sessionID))
	// Force the subscription handshake so failures surface here rather than
	// as a silently empty channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		pubsub: pubsub,
		ch:     make(chan session.Event, 256),
		cancel: cancel,
	}
	go sub.pump(pumpCtx, s.logger, sessionID)
	return sub, nil
}

func (sub *subscription) pump(ctx context.Context, logger telemetry.Logger, sessionID string) {
	defer close(sub.ch)
	msgs := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev session.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn(ctx, "skip malformed published event", "session_id", sessionID, "err", err)
				continue
			}
			select {
			case sub.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Events returns the live event channel.
func (sub *subscription) Events() <-chan session.Event { return sub.ch }

// Close terminates the subscription and releases the pub/sub connection.
func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		sub.cancel()
		err = sub.pubsub.Close()
	})
	return err
}
