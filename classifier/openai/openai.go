// Package openai provides a classifier.Classifier backed by the OpenAI Chat
// Completions API. It mirrors the Anthropic adapter: the model answers with
// one JSON object, anything else is an error and the caller falls back.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/convoflow/convoflow/classifier"
	"github.com/convoflow/convoflow/flow"
)

type (
	// ChatClient captures the subset of the go-openai client used here.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	}

	// Classifier implements classifier.Classifier via Chat Completions.
	Classifier struct {
		chat  ChatClient
		model string
	}
)

const defaultModel = openai.GPT4oMini

// New builds the adapter from a chat client.
func New(chat ChatClient, model string) (*Classifier, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if model == "" {
		model = defaultModel
	}
	return &Classifier{chat: chat, model: model}, nil
}

// NewFromAPIKey constructs the adapter with the default go-openai client.
func NewFromAPIKey(apiKey, model string) (*Classifier, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(openai.NewClient(apiKey), model)
}

const systemPrompt = "You are an intent classifier for a voice dialog system. " +
	"Answer with a single JSON object {\"intent\": string, \"confidence\": number, \"slots\": object} and nothing else. " +
	"Confidence is between 0 and 1. Only use intent names from the catalog."

// Classify prompts the model with the catalog and parses its JSON answer.
func (c *Classifier) Classify(ctx context.Context, text string, intents map[string]flow.Intent, sessionCtx map[string]any) (classifier.Result, error) {
	names := make([]string, 0, len(intents))
	for name := range intents {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Intent catalog:\n")
	for _, name := range names {
		intent := intents[name]
		fmt.Fprintf(&b, "- %s", name)
		if len(intent.Examples) > 0 {
			fmt.Fprintf(&b, " (examples: %s)", strings.Join(intent.Examples, "; "))
		}
		if len(intent.Slots) > 0 {
			raw, _ := json.Marshal(intent.Slots)
			fmt.Fprintf(&b, " slots: %s", raw)
		}
		b.WriteString("\n")
	}
	if len(sessionCtx) > 0 {
		raw, _ := json.Marshal(sessionCtx)
		fmt.Fprintf(&b, "Current context: %s\n", raw)
	}
	fmt.Fprintf(&b, "User said: %s", text)

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return classifier.Result{}, fmt.Errorf("openai classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return classifier.Result{}, errors.New("openai classify: empty response")
	}
	var parsed struct {
		Intent     string         `json:"intent"`
		Confidence float64        `json:"confidence"`
		Slots      map[string]any `json:"slots"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
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
	return classifier.Result{Name: parsed.Intent, Confidence: parsed.Confidence, Slots: parsed.Slots}, nil
}
