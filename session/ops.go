package session

import (
	"context"
	"fmt"
)

// The derived operations below mutate a loaded state, persist it and emit
// the corresponding event. They are called by the orchestrator while it
// holds the session lock.

// UpdateContext deep-merges patch into the session context and emits
// state.updated carrying the full context.
func UpdateContext(ctx context.Context, s Store, st *State, patch map[string]any) error {
	if st.Context == nil {
		st.Context = map[string]any{}
	}
	DeepMerge(st.Context, patch)
	if err := s.SaveSession(ctx, st); err != nil {
		return fmt.Errorf("save context update: %w", err)
	}
	if _, err := s.Emit(ctx, st.SessionID, EventStateUpdated, map[string]any{"ctx": st.Context}); err != nil {
		return fmt.Errorf("emit state.updated: %w", err)
	}
	return nil
}

// TransitionTo records the state change and emits fsm.transition with the
// old and new names.
func TransitionTo(ctx context.Context, s Store, st *State, next string) error {
	from := st.CurrentState
	st.CurrentState = next
	if err := s.SaveSession(ctx, st); err != nil {
		return fmt.Errorf("save transition: %w", err)
	}
	if _, err := s.Emit(ctx, st.SessionID, EventTransition, map[string]any{"from": from, "to": next}); err != nil {
		return fmt.Errorf("emit fsm.transition: %w", err)
	}
	return nil
}

// StoreIntent persists the classified intent on the session.
func StoreIntent(ctx context.Context, s Store, st *State, intent *Intent) error {
	st.LastIntent = intent
	if err := s.SaveSession(ctx, st); err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	return nil
}

// StoreToolCall persists the call record and emits the correlated tool.call
// event.
func StoreToolCall(ctx context.Context, s Store, st *State, call *ToolCall) error {
	st.LastToolCall = call
	if err := s.SaveSession(ctx, st); err != nil {
		return fmt.Errorf("save tool call: %w", err)
	}
	data := map[string]any{"tool_call_id": call.ID, "name": call.Name, "args": call.Args}
	if _, err := s.Emit(ctx, st.SessionID, EventToolCall, data); err != nil {
		return fmt.Errorf("emit tool.call: %w", err)
	}
	return nil
}

// StoreToolResult persists the result record and emits the correlated
// tool.result event.
func StoreToolResult(ctx context.Context, s Store, st *State, res *ToolResult) error {
	st.LastToolResult = res
	if err := s.SaveSession(ctx, st); err != nil {
		return fmt.Errorf("save tool result: %w", err)
	}
	data := map[string]any{"tool_call_id": res.CallID, "result": res.Result}
	if _, err := s.Emit(ctx, st.SessionID, EventToolResult, data); err != nil {
		return fmt.Errorf("emit tool.result: %w", err)
	}
	return nil
}
