package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/expr"
	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/template"
)

// evalIntentTransitions walks the current state's transitions in declaration
// order and executes the first one whose intent and guard match. The when
// guard evaluates against the context before assignments.
func (e *Engine) evalIntentTransitions(ctx context.Context, st *session.State, cfg *flow.Config, intent *session.Intent) (bool, error) {
	state, ok := cfg.States[st.CurrentState]
	if !ok {
		return false, fmt.Errorf("current state %q not in flow", st.CurrentState)
	}
	guardEnv := template.Env{Ctx: st.Context, Tool: lastToolResult(st)}
	for _, tr := range state.Transitions {
		if len(tr.OnIntent) == 0 {
			continue
		}
		if !tr.OnIntent.Matches(intent.Name) {
			continue
		}
		if tr.When != "" && !expr.Eval(tr.When, guardEnv) {
			continue
		}
		return true, e.executeTransition(ctx, st, cfg, tr, intent.Slots, lastToolResult(st))
	}
	return false, nil
}

// evalToolTransitions is the tool-result analogue: it matches transitions
// whose onToolResult names the completed tool and binds the guard's tool
// environment to the fresh result.
func (e *Engine) evalToolTransitions(ctx context.Context, st *session.State, cfg *flow.Config, toolName string, result map[string]any) (bool, error) {
	state, ok := cfg.States[st.CurrentState]
	if !ok {
		return false, fmt.Errorf("current state %q not in flow", st.CurrentState)
	}
	guardEnv := template.Env{Ctx: st.Context, Tool: result}
	for _, tr := range state.Transitions {
		if tr.OnToolResult == "" || tr.OnToolResult != toolName {
			continue
		}
		if tr.When != "" && !expr.Eval(tr.When, guardEnv) {
			continue
		}
		slots := map[string]any(nil)
		if st.LastIntent != nil {
			slots = st.LastIntent.Slots
		}
		return true, e.executeTransition(ctx, st, cfg, tr, slots, result)
	}
	return false, nil
}

// executeTransition applies assignments, picks the target (branch wins over
// to, branches evaluate against the updated context) and enters it.
func (e *Engine) executeTransition(ctx context.Context, st *session.State, cfg *flow.Config, tr flow.Transition, slots, toolResult map[string]any) error {
	if len(tr.Assign) > 0 {
		env := template.Env{Ctx: st.Context, Slot: slots, Tool: toolResult}
		patch := make(map[string]any, len(tr.Assign))
		for path, tmpl := range tr.Assign {
			patch[path] = template.Resolve(tmpl, env)
		}
		if err := session.UpdateContext(ctx, e.store, st, patch); err != nil {
			return err
		}
	}
	target := tr.To
	if len(tr.Branch) > 0 {
		target = ""
		branchEnv := template.Env{Ctx: st.Context, Tool: toolResult}
		for _, br := range tr.Branch {
			if expr.Eval(br.When, branchEnv) {
				target = br.To
				break
			}
		}
		if target == "" {
			e.logger.Warn(ctx, "no branch matched, staying in state",
				"session_id", st.SessionID,
				"state", st.CurrentState,
			)
			return nil
		}
	}
	return e.enterState(ctx, st, cfg, target)
}

// enterState records the transition and executes the target's onEnter
// actions in declaration order. A tool action does not block: the executor
// races the worker against its timeout and feeds the result back through
// ProcessToolResult under a fresh lock.
func (e *Engine) enterState(ctx context.Context, st *session.State, cfg *flow.Config, next string) error {
	if err := session.TransitionTo(ctx, e.store, st, next); err != nil {
		return err
	}
	state := cfg.States[next]
	env := template.Env{Ctx: st.Context, Slot: lastSlots(st), Tool: lastToolResult(st)}
	for _, action := range state.OnEnter {
		switch action.Kind() {
		case flow.ActionSay:
			data := map[string]any{"text": template.ResolveText(action.Say, env)}
			if _, err := e.store.Emit(ctx, st.SessionID, session.EventSay, data); err != nil {
				return err
			}
		case flow.ActionAsk:
			data := map[string]any{"text": template.ResolveText(action.Ask, env)}
			if _, err := e.store.Emit(ctx, st.SessionID, session.EventAsk, data); err != nil {
				return err
			}
		case flow.ActionTransfer:
			data := map[string]any{"target": template.ResolveText(action.Transfer, env)}
			if _, err := e.store.Emit(ctx, st.SessionID, session.EventTransfer, data); err != nil {
				return err
			}
		case flow.ActionHangup:
			if _, err := e.store.Emit(ctx, st.SessionID, session.EventHangup, nil); err != nil {
				return err
			}
		case flow.ActionTool:
			if err := e.launchTool(ctx, st, cfg, action.Tool); err != nil {
				return err
			}
		}
	}
	return nil
}

// launchTool resolves the argument template, persists and emits the call,
// and hands it to the executor without waiting for completion.
func (e *Engine) launchTool(ctx context.Context, st *session.State, cfg *flow.Config, ta *flow.ToolAction) error {
	env := template.Env{Ctx: st.Context, Tool: lastToolResult(st)}
	args, _ := template.Resolve(ta.Args, env).(map[string]any)
	call := &session.ToolCall{
		ID:        uuid.NewString(),
		Name:      ta.Name,
		Args:      args,
		Timestamp: time.Now().UTC(),
	}
	if err := session.StoreToolCall(ctx, e.store, st, call); err != nil {
		return err
	}
	timeout := time.Duration(cfg.Tools[ta.Name].TimeoutMS) * time.Millisecond
	if err := e.executor.Launch(ctx, st.SessionID, call, timeout); err != nil {
		data := map[string]any{"tool_call_id": call.ID, "error": err.Error()}
		if _, emitErr := e.store.Emit(ctx, st.SessionID, session.EventToolError, data); emitErr != nil {
			return emitErr
		}
	}
	return nil
}

// handleUnhandled emits intent.unhandled and schedules the soft re-prompt.
func (e *Engine) handleUnhandled(ctx context.Context, st *session.State, intent *session.Intent) error {
	data := map[string]any{
		"intent":       intent.Name,
		"confidence":   intent.Confidence,
		"currentState": st.CurrentState,
	}
	if _, err := e.store.Emit(ctx, st.SessionID, session.EventIntentUnhandled, data); err != nil {
		return err
	}
	e.reprompts.schedule(st.SessionID)
	return nil
}

func lastToolResult(st *session.State) map[string]any {
	if st.LastToolResult == nil {
		return nil
	}
	return st.LastToolResult.Result
}

func lastSlots(st *session.State) map[string]any {
	if st.LastIntent == nil {
		return nil
	}
	return st.LastIntent.Slots
}
