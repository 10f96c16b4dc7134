// Package anthropic provides a classifier.Classifier backed by the Anthropic
// Claude Messages API. The model receives the intent catalog and current
// context and must answer with a single JSON object; malformed answers
// surface as errors so the caller's fallback takes over.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/convoflow/convoflow/classifier"
	"github.com/convoflow/convoflow/flow"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. Satisfied by *sdk.MessageService; tests pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Classifier implements classifier.Classifier on Claude Messages.
	Classifier struct {
		msg   MessagesClient
		model string
	}
)

const defaultModel = "claude-3-5-haiku-latest"

// New builds the adapter from a Messages client. An empty model selects a
// small default suitable for classification.
func New(msg MessagesClient, model string) (*Classifier, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if model == "" {
		model = defaultModel
	}
	return &Classifier{msg: msg, model: model}, nil
}

// NewFromAPIKey constructs the adapter with the default HTTP client.
func NewFromAPIKey(apiKey, model string) (*Classifier, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, model)
}

// Classify prompts the model with the catalog and parses its JSON answer.
func (c *Classifier) Classify(ctx context.Context, text string, intents map[string]flow.Intent, sessionCtx map[string]any) (classifier.Result, error) {
	prompt, err := buildPrompt(text, intents, sessionCtx)
	if err != nil {
		return classifier.Result{}, err
	}
	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 512,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return classifier.Result{}, fmt.Errorf("anthropic classify: %w", err)
	}
	var answer strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			answer.WriteString(block.Text)
		}
	}
	return parseAnswer(answer.String())
}

const systemPrompt = "You are an intent classifier for a voice dialog system. " +
	"Answer with a single JSON object {\"intent\": string, \"confidence\": number, \"slots\": object} and nothing else. " +
	"Confidence is between 0 and 1. Only use intent names from the catalog."

// buildPrompt renders the catalog, context and user text for the model.
func buildPrompt(text string, intents map[string]flow.Intent, sessionCtx map[string]any) (string, error) {
	names := make([]string, 0, len(intents))
	for name := range intents {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Intent catalog:\n")
	for _, name := range names {
		intent := intents[name]
		b.WriteString("- ")
		b.WriteString(name)
		if len(intent.Examples) > 0 {
			b.WriteString(" (examples: ")
			b.WriteString(strings.Join(intent.Examples, "; "))
			b.WriteString(")")
		}
		if len(intent.Slots) > 0 {
			raw, err := json.Marshal(intent.Slots)
			if err != nil {
				return "", err
			}
			b.WriteString(" slots: ")
			b.Write(raw)
		}
		b.WriteString("\n")
	}
	if len(sessionCtx) > 0 {
		raw, err := json.Marshal(sessionCtx)
		if err != nil {
			return "", err
		}
		b.WriteString("Current context: ")
		b.Write(raw)
		b.WriteString("\n")
	}
	b.WriteString("User said: ")
	b.WriteString(text)
	return b.String(), nil
}

// parseAnswer decodes the model answer, tolerating surrounding prose by
// extracting the outermost JSON object.
func parseAnswer(answer string) (classifier.Result, error) {
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end <= start {
		return classifier.Result{}, fmt.Errorf("no JSON object in classifier answer %q", answer)
	}
	var parsed struct {
		Intent     string         `json:"intent"`
		Confidence float64        `json:"confidence"`
		Slots      map[string]any `json:"slots"`
	}
	if err := json.Unmarshal([]byte(answer[start:end+1]), &parsed); err != nil {
		return classifier.Result{}, fmt.Errorf("decode classifier answer: %w", err)
	}
	if parsed.Intent == "" {
		return classifier.Result{}, errors.New("classifier answer missing intent")
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return classifier.Result{
		Name:       parsed.Intent,
		Confidence: parsed.Confidence,
		Slots:      parsed.Slots,
	}, nil
}
