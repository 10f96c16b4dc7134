// Package session defines the per-session state model, the event model and
// the Store port every backend implements. A session exclusively owns its
// state record, flow binding, event log and sequence counter; mutation is
// serialized by the store's per-session lock.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/convoflow/convoflow/flow"
)

type (
	// State is the mutable per-session record.
	State struct {
		SessionID      string         `json:"sessionId"`
		CurrentState   string         `json:"currentState"`
		Context        map[string]any `json:"context"`
		LastIntent     *Intent        `json:"lastIntent,omitempty"`
		LastToolCall   *ToolCall      `json:"lastToolCall,omitempty"`
		LastToolResult *ToolResult    `json:"lastToolResult,omitempty"`
	}

	// Intent is the classified user input most recently processed.
	Intent struct {
		Name       string         `json:"name"`
		Confidence float64        `json:"confidence"`
		Slots      map[string]any `json:"slots,omitempty"`
	}

	// ToolCall records the most recent tool invocation.
	ToolCall struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Args      map[string]any `json:"args,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// ToolResult records the most recent tool completion, correlated to the
	// call by ID.
	ToolResult struct {
		CallID    string         `json:"callId"`
		Result    map[string]any `json:"result,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// EventType names a session event kind.
	EventType string

	// Event is one entry of a session's durable log. Seq is monotonic and
	// gapless per session; Timestamp is assigned at emission.
	Event struct {
		Type      EventType      `json:"type"`
		SessionID string         `json:"sessionId"`
		Seq       int64          `json:"seq"`
		Timestamp time.Time      `json:"timestamp"`
		Data      map[string]any `json:"data,omitempty"`
	}

	// Subscription is a live feed of a session's events. The channel closes
	// when the subscription is closed or the backend connection drops.
	Subscription interface {
		Events() <-chan Event
		Close() error
	}

	// Store is the session persistence port. Implementations provide atomic
	// per-session locking, a gapless append-only event log with range reads,
	// and real-time publication of every appended event.
	Store interface {
		// CreateSession persists the initial state and binds the flow. It
		// fails when the session already exists.
		CreateSession(ctx context.Context, state *State, cfg *flow.Config) error
		// LoadSession returns the current state or ErrNotFound.
		LoadSession(ctx context.Context, sessionID string) (*State, error)
		// SaveSession overwrites the state record.
		SaveSession(ctx context.Context, state *State) error
		// LoadFlow returns the bound flow config or ErrNotFound.
		LoadFlow(ctx context.Context, sessionID string) (*flow.Config, error)
		// DeleteSession drops every record owned by the session.
		DeleteSession(ctx context.Context, sessionID string) error

		// WithLock runs fn while holding the session lock. It fails fast
		// with ErrLockHeld when the lock is already taken. Lock scopes must
		// not nest on the same session.
		WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error

		// Emit assigns the next sequence number, appends the event to the
		// log and publishes it to live subscribers.
		Emit(ctx context.Context, sessionID string, typ EventType, data map[string]any) (Event, error)
		// Events range-reads the log, returning events with Seq > since in
		// order.
		Events(ctx context.Context, sessionID string, since int64) ([]Event, error)
		// Subscribe opens a live feed of events emitted after the call.
		Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	}
)

// Session event kinds.
const (
	EventSessionStarted  EventType = "session.started"
	EventSay             EventType = "say"
	EventAsk             EventType = "ask"
	EventTransfer        EventType = "transfer"
	EventHangup          EventType = "hangup"
	EventToolCall        EventType = "tool.call"
	EventToolResult      EventType = "tool.result"
	EventToolError       EventType = "tool.error"
	EventTransition      EventType = "fsm.transition"
	EventStateUpdated    EventType = "state.updated"
	EventIntentUnhandled EventType = "intent.unhandled"
	EventError           EventType = "error"
)

// Store errors.
var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when creating a session whose ID is taken.
	ErrExists = errors.New("session already exists")
	// ErrLockHeld is returned when the session lock is already acquired.
	ErrLockHeld = errors.New("session lock held")
)

// LockTTL is the lease on the per-session lock. A crashed holder releases
// the lock passively by expiry.
const LockTTL = 10 * time.Second

// NewState builds the initial state for a session bound to cfg.
func NewState(sessionID string, cfg *flow.Config) *State {
	return &State{
		SessionID:    sessionID,
		CurrentState: cfg.Start,
		Context:      map[string]any{},
	}
}
