package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListUnmarshalJSON(t *testing.T) {
	var tr Transition
	require.NoError(t, json.Unmarshal([]byte(`{"onIntent":"BOOK","to":"X"}`), &tr))
	assert.Equal(t, StringList{"BOOK"}, tr.OnIntent)

	require.NoError(t, json.Unmarshal([]byte(`{"onIntent":["BOOK","ORDER"],"to":"X"}`), &tr))
	assert.Equal(t, StringList{"BOOK", "ORDER"}, tr.OnIntent)

	err := json.Unmarshal([]byte(`{"onIntent":42}`), &tr)
	assert.Error(t, err)
}

func TestStringListMarshalJSON(t *testing.T) {
	single, err := json.Marshal(StringList{"BOOK"})
	require.NoError(t, err)
	assert.JSONEq(t, `"BOOK"`, string(single))

	many, err := json.Marshal(StringList{"A", "B"})
	require.NoError(t, err)
	assert.JSONEq(t, `["A","B"]`, string(many))
}

func TestStringListMatches(t *testing.T) {
	l := StringList{"BOOK", "ORDER"}
	assert.True(t, l.Matches("ORDER"))
	assert.False(t, l.Matches("CANCEL"))
	assert.False(t, StringList(nil).Matches("BOOK"))
}

func TestActionKind(t *testing.T) {
	assert.Equal(t, ActionSay, Action{Say: "hi"}.Kind())
	assert.Equal(t, ActionAsk, Action{Ask: "how many?"}.Kind())
	assert.Equal(t, ActionTransfer, Action{Transfer: "manager"}.Kind())
	assert.Equal(t, ActionHangup, Action{Hangup: true}.Kind())
	assert.Equal(t, ActionTool, Action{Tool: &ToolAction{Name: "X"}}.Kind())
	assert.Equal(t, ActionInvalid, Action{}.Kind())
	assert.Equal(t, ActionInvalid, Action{Say: "hi", Hangup: true}.Kind())
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
meta:
  name: Minimal
start: Hello
intents:
  GREET:
    examples: ["hi", "hello"]
states:
  Hello:
    onEnter:
      - say: "Hi there"
    transitions:
      - onIntent: GREET
        to: Hello
`)
	cfg, err := ParseYAML(doc)
	require.NoError(t, err)
	assert.Equal(t, "Minimal", cfg.Meta.Name)
	assert.Equal(t, "Hello", cfg.Start)
	assert.Equal(t, StringList{"GREET"}, cfg.States["Hello"].Transitions[0].OnIntent)
	assert.True(t, Validate(cfg).Valid())
}

func TestParseJSONRoundTrip(t *testing.T) {
	cfg := Reservation()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	back, err := ParseJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, cfg.Start, back.Start)
	assert.Equal(t, len(cfg.States), len(back.States))
	assert.True(t, Validate(back).Valid())
}

func TestParseJSONMalformed(t *testing.T) {
	_, err := ParseJSON([]byte(`{"meta":`))
	assert.Error(t, err)
}
