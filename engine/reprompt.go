package engine

import (
	"context"
	"sync"
	"time"

	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/template"
)

// repromptText is spoken before the current state's question is repeated.
const repromptText = "I didn't quite understand that. Let me ask again:"

type reprompter struct {
	engine   *Engine
	sayDelay time.Duration
	askDelay time.Duration

	mu     sync.Mutex
	timers map[string][]*time.Timer
}

func newReprompter(e *Engine) *reprompter {
	return &reprompter{
		engine:   e,
		sayDelay: time.Second,
		askDelay: 500 * time.Millisecond,
		timers:   make(map[string][]*time.Timer),
	}
}

// schedule arms the two-step soft re-prompt for a session, replacing any
// pending one so an unhandled event produces at most one re-prompt.
func (r *reprompter) schedule(sessionID string) {
	r.cancel(sessionID)
	r.mu.Lock()
	t := time.AfterFunc(r.sayDelay, func() { r.say(sessionID) })
	r.timers[sessionID] = []*time.Timer{t}
	r.mu.Unlock()
}

// say emits the apology line and arms the re-ask step.
func (r *reprompter) say(sessionID string) {
	ctx := context.Background()
	data := map[string]any{"text": repromptText}
	if _, err := r.engine.store.Emit(ctx, sessionID, session.EventSay, data); err != nil {
		// Session may have been deleted between schedule and fire.
		r.engine.logger.Debug(ctx, "re-prompt say skipped", "session_id", sessionID, "err", err)
		return
	}
	r.mu.Lock()
	t := time.AfterFunc(r.askDelay, func() { r.ask(sessionID) })
	r.timers[sessionID] = append(r.timers[sessionID], t)
	r.mu.Unlock()
}

// ask re-emits the current state's ask action with fresh template
// resolution. States without an ask action re-prompt with the say only.
func (r *reprompter) ask(sessionID string) {
	ctx := context.Background()
	st, err := r.engine.store.LoadSession(ctx, sessionID)
	if err != nil {
		r.engine.logger.Debug(ctx, "re-prompt ask skipped", "session_id", sessionID, "err", err)
		return
	}
	cfg, err := r.engine.store.LoadFlow(ctx, sessionID)
	if err != nil {
		r.engine.logger.Debug(ctx, "re-prompt ask skipped", "session_id", sessionID, "err", err)
		return
	}
	env := template.Env{Ctx: st.Context, Slot: lastSlots(st), Tool: lastToolResult(st)}
	for _, action := range cfg.States[st.CurrentState].OnEnter {
		if action.Ask == "" {
			continue
		}
		data := map[string]any{"text": template.ResolveText(action.Ask, env)}
		if _, err := r.engine.store.Emit(ctx, sessionID, session.EventAsk, data); err != nil {
			r.engine.logger.Debug(ctx, "re-prompt ask emit failed", "session_id", sessionID, "err", err)
		}
		return
	}
}

// cancel stops pending timers for a session.
func (r *reprompter) cancel(sessionID string) {
	r.mu.Lock()
	for _, t := range r.timers[sessionID] {
		t.Stop()
	}
	delete(r.timers, sessionID)
	r.mu.Unlock()
}

// stop cancels every pending timer.
func (r *reprompter) stop() {
	r.mu.Lock()
	for _, ts := range r.timers {
		for _, t := range ts {
			t.Stop()
		}
	}
	r.timers = make(map[string][]*time.Timer)
	r.mu.Unlock()
}
