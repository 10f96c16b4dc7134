// Package classifier defines the intent classification port and the
// deterministic pattern-based reference implementation. The engine is
// correct under any implementation of the contract; a low confidence is a
// valid output and never short-circuits transition matching.
package classifier

import (
	"context"

	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/telemetry"
)

type (
	// Result is a classified user input: intent name, confidence in [0,1]
	// and extracted typed slots.
	Result struct {
		Name       string         `json:"name"`
		Confidence float64        `json:"confidence"`
		Slots      map[string]any `json:"slots,omitempty"`
	}

	// Classifier maps user text to an intent given the flow's intent catalog
	// and the current session context.
	Classifier interface {
		Classify(ctx context.Context, text string, intents map[string]flow.Intent, sessionCtx map[string]any) (Result, error)
	}

	// fallback tries a primary classifier and falls back to a secondary on
	// error. Classifier failure is never fatal to a session.
	fallback struct {
		primary   Classifier
		secondary Classifier
		logger    telemetry.Logger
	}
)

// WithFallback wraps primary so any classification error retries the same
// request against secondary. Used to back a remote classifier with the
// deterministic one.
func WithFallback(primary, secondary Classifier, logger telemetry.Logger) Classifier {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *fallback) Classify(ctx context.Context, text string, intents map[string]flow.Intent, sessionCtx map[string]any) (Result, error) {
	res, err := f.primary.Classify(ctx, text, intents, sessionCtx)
	if err == nil {
		return res, nil
	}
	f.logger.Warn(ctx, "primary classifier failed, using fallback", "err", err)
	return f.secondary.Classify(ctx, text, intents, sessionCtx)
}
