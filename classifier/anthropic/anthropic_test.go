package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/flow"
)

type stubMessages struct {
	answer string
	err    error
	params sdk.MessageNewParams
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = body
	if s.err != nil {
		return nil, s.err
	}
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: s.answer}},
	}, nil
}

func TestClassify(t *testing.T) {
	stub := &stubMessages{answer: `{"intent":"BOOK","confidence":0.92,"slots":{"date":"2025-03-01"}}`}
	cls, err := New(stub, "")
	require.NoError(t, err)

	intents := map[string]flow.Intent{
		"BOOK": {Examples: []string{"book a table"}},
	}
	res, err := cls.Classify(context.Background(), "book a table tomorrow", intents, map[string]any{"partySize": 4})
	require.NoError(t, err)
	assert.Equal(t, "BOOK", res.Name)
	assert.Equal(t, 0.92, res.Confidence)
	assert.Equal(t, map[string]any{"date": "2025-03-01"}, res.Slots)
	assert.Equal(t, sdk.Model(defaultModel), stub.params.Model)
}

func TestClassifyTransportError(t *testing.T) {
	stub := &stubMessages{err: errors.New("boom")}
	cls, err := New(stub, "claude-3-5-haiku-latest")
	require.NoError(t, err)

	_, err = cls.Classify(context.Background(), "hello", nil, nil)
	assert.ErrorContains(t, err, "anthropic classify")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "")
	assert.Error(t, err)
	_, err = NewFromAPIKey("", "")
	assert.Error(t, err)
}

func TestParseAnswer(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare object", `{"intent":"A","confidence":0.5}`, "A", false},
		{"surrounding prose", `Sure! {"intent":"A","confidence":0.5} there you go`, "A", false},
		{"clamps high confidence", `{"intent":"A","confidence":3}`, "A", false},
		{"clamps negative confidence", `{"intent":"A","confidence":-1}`, "A", false},
		{"missing intent", `{"confidence":0.5}`, "", true},
		{"no object", `no json here`, "", true},
		{"malformed object", `{"intent":`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := parseAnswer(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Name)
			assert.GreaterOrEqual(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
		})
	}
}

func TestBuildPromptIncludesCatalogAndContext(t *testing.T) {
	intents := map[string]flow.Intent{
		"BOOK": {
			Examples: []string{"book a table"},
			Slots:    map[string]flow.SlotType{"date": flow.SlotDate},
		},
	}
	prompt, err := buildPrompt("tomorrow", intents, map[string]any{"partySize": 4})
	require.NoError(t, err)
	assert.Contains(t, prompt, "BOOK")
	assert.Contains(t, prompt, "book a table")
	assert.Contains(t, prompt, "partySize")
	assert.Contains(t, prompt, "User said: tomorrow")
}
