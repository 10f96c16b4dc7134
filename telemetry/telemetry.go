// Package telemetry defines the logging and tracing facade used across the
// engine. Components depend on these narrow interfaces rather than a concrete
// logging library so tests can run silent and services can plug in their own
// observability stack.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records with alternating key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Tracer starts spans around engine steps.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the subset of span operations the engine records.
	Span interface {
		End()
		AddEvent(name string, keyvals ...any)
		RecordError(err error)
		SetStatus(code codes.Code, description string)
	}

	noopLogger struct{}
	noopTracer struct{}
	noopSpan   struct{}
)

// NewNoopLogger returns a Logger that discards all records.
func NewNoopLogger() Logger { return noopLogger{} }

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End()                            {}
func (noopSpan) AddEvent(string, ...any)         {}
func (noopSpan) RecordError(error)               {}
func (noopSpan) SetStatus(codes.Code, string)    {}
