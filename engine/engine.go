// Package engine implements the conversational state machine driver. Every
// user input or tool result runs under the session lock and produces a
// deterministic sequence of events: transitions, context updates, speech
// actions and tool invocations as declared by the bound flow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/convoflow/convoflow/classifier"
	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/telemetry"
	"github.com/convoflow/convoflow/tools"
)

type (
	// Engine orchestrates sessions. It holds no per-session state of its
	// own: everything lives in the store, guarded by the session lock.
	Engine struct {
		store      session.Store
		classifier classifier.Classifier
		executor   *tools.Executor

		logger telemetry.Logger
		tracer telemetry.Tracer

		reprompts *reprompter
	}

	// Option configures optional Engine behavior.
	Option func(*Engine)
)

// WithLogger configures the engine logger. Defaults to noop.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer configures the engine tracer. Defaults to noop.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithRepromptDelays overrides the soft re-prompt timing. The defaults
// (about 1s then 0.5s) are UX shaping, not correctness; tests shorten them.
func WithRepromptDelays(say, ask time.Duration) Option {
	return func(e *Engine) {
		e.reprompts.sayDelay = say
		e.reprompts.askDelay = ask
	}
}

// New builds an engine and binds it to the executor as its result handler.
func New(store session.Store, cls classifier.Classifier, executor *tools.Executor, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cls == nil {
		return nil, errors.New("classifier is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	e := &Engine{
		store:      store,
		classifier: cls,
		executor:   executor,
		logger:     telemetry.NewNoopLogger(),
		tracer:     telemetry.NewNoopTracer(),
	}
	e.reprompts = newReprompter(e)
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	executor.Bind(e)
	return e, nil
}

// CreateSession validates the flow, persists the initial state and runs the
// start state's onEnter actions. An empty sessionID generates one.
func (e *Engine) CreateSession(ctx context.Context, sessionID string, cfg *flow.Config) (string, error) {
	if res := flow.Validate(cfg); !res.Valid() {
		return "", res.Err()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	st := session.NewState(sessionID, cfg)
	// The initial fsm.transition records "" -> start.
	st.CurrentState = ""
	if err := e.store.CreateSession(ctx, st, cfg); err != nil {
		return "", err
	}
	err := e.store.WithLock(ctx, sessionID, func(ctx context.Context) error {
		return e.enterState(ctx, st, cfg, cfg.Start)
	})
	if err != nil {
		return "", fmt.Errorf("enter start state: %w", err)
	}
	e.logger.Info(ctx, "session created", "session_id", sessionID, "flow", cfg.Meta.Name)
	return sessionID, nil
}

// ProcessUserInput classifies the text, persists the intent and evaluates
// the current state's transitions in declaration order, first match wins.
func (e *Engine) ProcessUserInput(ctx context.Context, sessionID, text string) error {
	ctx, span := e.tracer.Start(ctx, "engine.process_user_input")
	defer span.End()
	return e.store.WithLock(ctx, sessionID, func(ctx context.Context) error {
		st, err := e.store.LoadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		cfg, err := e.store.LoadFlow(ctx, sessionID)
		if err != nil {
			return err
		}
		res, err := e.classifier.Classify(ctx, text, cfg.Intents, st.Context)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "classification failed")
			return fmt.Errorf("classify input: %w", err)
		}
		span.AddEvent("intent.classified", "intent", res.Name, "confidence", res.Confidence)
		intent := &session.Intent{Name: res.Name, Confidence: res.Confidence, Slots: res.Slots}
		if err := session.StoreIntent(ctx, e.store, st, intent); err != nil {
			return err
		}
		matched, err := e.evalIntentTransitions(ctx, st, cfg, intent)
		if err != nil {
			return err
		}
		if !matched {
			return e.handleUnhandled(ctx, st, intent)
		}
		return nil
	})
}

// ProcessToolResult persists the correlated result and evaluates the current
// state's tool-result transitions. Stale results (the call is no longer the
// most recent) are dropped.
func (e *Engine) ProcessToolResult(ctx context.Context, sessionID, toolCallID string, result map[string]any) error {
	ctx, span := e.tracer.Start(ctx, "engine.process_tool_result")
	defer span.End()
	return e.store.WithLock(ctx, sessionID, func(ctx context.Context) error {
		st, err := e.store.LoadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		cfg, err := e.store.LoadFlow(ctx, sessionID)
		if err != nil {
			return err
		}
		if st.LastToolCall == nil || st.LastToolCall.ID != toolCallID {
			e.logger.Warn(ctx, "dropping stale tool result",
				"session_id", sessionID,
				"tool_call_id", toolCallID,
			)
			// Every tool.call completes with exactly one tool.result or
			// tool.error; a superseded call closes with the latter.
			data := map[string]any{"tool_call_id": toolCallID, "error": "superseded by a newer tool call"}
			_, err := e.store.Emit(ctx, sessionID, session.EventToolError, data)
			return err
		}
		res := &session.ToolResult{CallID: toolCallID, Result: result, Timestamp: time.Now().UTC()}
		if err := session.StoreToolResult(ctx, e.store, st, res); err != nil {
			return err
		}
		matched, err := e.evalToolTransitions(ctx, st, cfg, st.LastToolCall.Name, result)
		if err != nil {
			return err
		}
		if !matched {
			e.logger.Debug(ctx, "tool result not handled by any transition",
				"session_id", sessionID,
				"tool", st.LastToolCall.Name,
				"state", st.CurrentState,
			)
		}
		return nil
	})
}

// GetState returns the current session state.
func (e *Engine) GetState(ctx context.Context, sessionID string) (*session.State, error) {
	return e.store.LoadSession(ctx, sessionID)
}

// GetFlow returns the flow bound to the session.
func (e *Engine) GetFlow(ctx context.Context, sessionID string) (*flow.Config, error) {
	return e.store.LoadFlow(ctx, sessionID)
}

// EventsSince range-reads the session's durable event log.
func (e *Engine) EventsSince(ctx context.Context, sessionID string, since int64) ([]session.Event, error) {
	return e.store.Events(ctx, sessionID, since)
}

// DeleteSession cancels pending re-prompts and drops all session records.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	e.reprompts.cancel(sessionID)
	return e.store.DeleteSession(ctx, sessionID)
}

// Close cancels all pending re-prompt timers.
func (e *Engine) Close() {
	e.reprompts.stop()
}
