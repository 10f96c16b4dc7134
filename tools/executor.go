package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/convoflow/convoflow/session"
	"github.com/convoflow/convoflow/telemetry"
)

type (
	// ResultHandler receives completed tool results. The orchestrator
	// implements it; completion re-enters the FSM under a fresh lock
	// acquisition.
	ResultHandler interface {
		ProcessToolResult(ctx context.Context, sessionID, toolCallID string, result map[string]any) error
	}

	// Executor runs tool workers asynchronously. Each launch races the
	// worker against the tool timeout; failures are retried a bounded
	// number of times with a fixed delay and only the final failure
	// surfaces as a tool.error event. Retries never re-emit tool.call.
	Executor struct {
		registry *Registry
		store    session.Store
		handler  ResultHandler

		attempts       int
		retryDelay     time.Duration
		defaultTimeout time.Duration

		logger telemetry.Logger
		tracer telemetry.Tracer
	}

	// Option configures optional Executor behavior.
	Option func(*Executor)

	attemptOutcome struct {
		result map[string]any
		err    error
	}
)

// ErrUnknownTool is returned when launching a call for an unregistered tool.
var ErrUnknownTool = errors.New("unknown tool")

// DefaultTimeout applies when a tool declares no timeout_ms.
const DefaultTimeout = 30 * time.Second

// Lock contention between a completing tool and a concurrent user input is
// expected; the handler is retried briefly before giving up.
const (
	handlerAttempts = 10
	handlerDelay    = 100 * time.Millisecond
)

// WithAttempts sets the bounded retry count of the safe wrapper.
func WithAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.retryDelay = d
		}
	}
}

// WithLogger configures the executor logger. Defaults to noop.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithTracer configures the executor tracer. Defaults to noop.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// NewExecutor builds an executor over the registry and store. Bind must be
// called with the orchestrator before the first launch.
func NewExecutor(registry *Registry, store session.Store, opts ...Option) (*Executor, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	e := &Executor{
		registry:       registry,
		store:          store,
		attempts:       3,
		retryDelay:     time.Second,
		defaultTimeout: DefaultTimeout,
		logger:         telemetry.NewNoopLogger(),
		tracer:         telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e, nil
}

// Bind attaches the result handler. Separate from construction because the
// orchestrator and executor reference each other.
func (e *Executor) Bind(h ResultHandler) { e.handler = h }

// Launch starts the worker for an already-persisted tool call and returns
// immediately. The caller has emitted tool.call; this side emits exactly one
// of tool.result (via the handler) or tool.error.
func (e *Executor) Launch(ctx context.Context, sessionID string, call *session.ToolCall, timeout time.Duration) error {
	if e.handler == nil {
		return errors.New("executor has no result handler bound")
	}
	worker, ok := e.registry.Lookup(call.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	// The launch outlives the triggering request: detach from the caller's
	// cancellation and bound by the tool timeout instead.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer cancel()
		e.run(runCtx, worker, sessionID, call)
	}()
	return nil
}

func (e *Executor) run(ctx context.Context, worker Worker, sessionID string, call *session.ToolCall) {
	ctx, span := e.tracer.Start(ctx, "tools.execute")
	defer span.End()
	span.AddEvent("tool.launched", "tool", call.Name, "tool_call_id", call.ID, "session_id", sessionID)

	result, err := e.runWithRetry(ctx, worker, sessionID, call)
	// Delivery must proceed even after the tool deadline fired.
	dctx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool execution failed")
		e.emitError(dctx, sessionID, call.ID, err)
		return
	}
	span.SetStatus(codes.Ok, "ok")
	e.deliver(dctx, sessionID, call.ID, result)
}

// runWithRetry is the safe wrapper: up to attempts tries with a fixed delay,
// all bounded by the per-call timeout carried in ctx. Only the final failure
// propagates.
func (e *Executor) runWithRetry(ctx context.Context, worker Worker, sessionID string, call *session.ToolCall) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		result, err := e.attempt(ctx, worker, sessionID, call)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool %q timed out", call.Name)
		}
		e.logger.Warn(ctx, "tool attempt failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"session_id", sessionID,
			"attempt", attempt,
			"err", err,
		)
		if attempt == e.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("tool %q timed out", call.Name)
		case <-time.After(e.retryDelay):
		}
	}
	return nil, lastErr
}

// attempt runs the worker once in its own goroutine so a worker that ignores
// ctx still cannot outlive the timeout from the executor's point of view.
func (e *Executor) attempt(ctx context.Context, worker Worker, sessionID string, call *session.ToolCall) (map[string]any, error) {
	outcome := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- attemptOutcome{err: fmt.Errorf("tool %q panicked: %v", call.Name, r)}
			}
		}()
		result, err := worker.Execute(ctx, sessionID, call.ID, call.Args)
		outcome <- attemptOutcome{result: result, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-outcome:
		return out.result, out.err
	}
}

// deliver feeds the result into the orchestrator, retrying briefly on lock
// contention.
func (e *Executor) deliver(ctx context.Context, sessionID, toolCallID string, result map[string]any) {
	var err error
	for i := 0; i < handlerAttempts; i++ {
		err = e.handler.ProcessToolResult(ctx, sessionID, toolCallID, result)
		if err == nil {
			return
		}
		if !errors.Is(err, session.ErrLockHeld) {
			break
		}
		time.Sleep(handlerDelay)
	}
	e.logger.Error(ctx, "tool result delivery failed",
		"session_id", sessionID,
		"tool_call_id", toolCallID,
		"err", err,
	)
	e.emitError(ctx, sessionID, toolCallID, fmt.Errorf("deliver tool result: %w", err))
}

// emitError publishes the synthetic tool.error event. The FSM stays in its
// current state; there is no automatic transition on tool.error.
func (e *Executor) emitError(ctx context.Context, sessionID, toolCallID string, cause error) {
	data := map[string]any{"tool_call_id": toolCallID, "error": cause.Error()}
	if _, err := e.store.Emit(ctx, sessionID, session.EventToolError, data); err != nil {
		e.logger.Error(ctx, "emit tool.error failed",
			"session_id", sessionID,
			"tool_call_id", toolCallID,
			"err", err,
		)
	}
}
