// Package flow defines the declarative dialog description interpreted by the
// engine: a graph of states with onEnter actions and guarded transitions,
// plus the intent and tool catalogs the states reference. Flows decode from
// JSON or YAML and are validated before a session may bind to them.
package flow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type (
	// Config is a complete flow description. It is immutable once bound to a
	// session.
	Config struct {
		Meta    Meta              `json:"meta" yaml:"meta"`
		Start   string            `json:"start" yaml:"start"`
		Intents map[string]Intent `json:"intents,omitempty" yaml:"intents,omitempty"`
		Tools   map[string]Tool   `json:"tools,omitempty" yaml:"tools,omitempty"`
		States  map[string]State  `json:"states" yaml:"states"`
	}

	// Meta carries human-facing flow attributes.
	Meta struct {
		Name   string `json:"name" yaml:"name"`
		Locale string `json:"locale,omitempty" yaml:"locale,omitempty"`
	}

	// Intent declares a recognizable user intention with classifier examples
	// and typed slots.
	Intent struct {
		Examples []string            `json:"examples,omitempty" yaml:"examples,omitempty"`
		Slots    map[string]SlotType `json:"slots,omitempty" yaml:"slots,omitempty"`
	}

	// SlotType names the extraction rule for a slot value.
	SlotType string

	// Tool declares an invocable external side effect with JSON schemas for
	// its arguments and result, and an optional per-call timeout.
	Tool struct {
		Args      map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
		Result    map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
		TimeoutMS int            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	}

	// State is one node of the flow graph. A state with no transitions is
	// terminal; it may still run onEnter actions.
	State struct {
		OnEnter     []Action     `json:"onEnter,omitempty" yaml:"onEnter,omitempty"`
		Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	}

	// Action is a discriminated variant: exactly one field may be set.
	// Ask signals the engine is awaiting user input; Say is informational.
	Action struct {
		Say      string      `json:"say,omitempty" yaml:"say,omitempty"`
		Ask      string      `json:"ask,omitempty" yaml:"ask,omitempty"`
		Transfer string      `json:"transfer,omitempty" yaml:"transfer,omitempty"`
		Hangup   bool        `json:"hangup,omitempty" yaml:"hangup,omitempty"`
		Tool     *ToolAction `json:"tool,omitempty" yaml:"tool,omitempty"`
	}

	// ToolAction invokes a declared tool with a template for its arguments.
	ToolAction struct {
		Name string         `json:"name" yaml:"name"`
		Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	}

	// Transition is a directed edge out of a state. One of three shapes:
	// intent-driven (OnIntent set), tool-result-driven (OnToolResult set) or
	// pure-guard (only When and To, used inside branch lists). Exactly one of
	// To or Branch must be present; Branch wins when both appear.
	Transition struct {
		OnIntent     StringList     `json:"onIntent,omitempty" yaml:"onIntent,omitempty"`
		OnToolResult string         `json:"onToolResult,omitempty" yaml:"onToolResult,omitempty"`
		When         string         `json:"when,omitempty" yaml:"when,omitempty"`
		Assign       map[string]any `json:"assign,omitempty" yaml:"assign,omitempty"`
		To           string         `json:"to,omitempty" yaml:"to,omitempty"`
		Branch       []Branch       `json:"branch,omitempty" yaml:"branch,omitempty"`
	}

	// Branch is a conditional target. When "else" is always true and serves
	// as the default.
	Branch struct {
		When string `json:"when" yaml:"when"`
		To   string `json:"to" yaml:"to"`
	}

	// StringList accepts either a single string or a list of strings.
	StringList []string

	// ActionKind discriminates Action variants.
	ActionKind string
)

// Slot types understood by the classifier fallback.
const (
	SlotNumber SlotType = "number"
	SlotDate   SlotType = "date"
	SlotTime   SlotType = "time"
	SlotName   SlotType = "name"
	SlotPhone  SlotType = "phone"
	SlotString SlotType = "string"
)

// Action kinds.
const (
	ActionSay      ActionKind = "say"
	ActionAsk      ActionKind = "ask"
	ActionTransfer ActionKind = "transfer"
	ActionHangup   ActionKind = "hangup"
	ActionTool     ActionKind = "tool"
	ActionInvalid  ActionKind = ""
)

// Kind returns the action's variant, or ActionInvalid when zero or more than
// one field is set.
func (a Action) Kind() ActionKind {
	var kind ActionKind
	n := 0
	if a.Say != "" {
		kind, n = ActionSay, n+1
	}
	if a.Ask != "" {
		kind, n = ActionAsk, n+1
	}
	if a.Transfer != "" {
		kind, n = ActionTransfer, n+1
	}
	if a.Hangup {
		kind, n = ActionHangup, n+1
	}
	if a.Tool != nil {
		kind, n = ActionTool, n+1
	}
	if n != 1 {
		return ActionInvalid
	}
	return kind
}

// Matches reports whether the list names the given intent. String equality
// for a single entry, set membership for lists.
func (l StringList) Matches(intent string) bool {
	for _, name := range l {
		if name == intent {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts a bare string or an array of strings.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("onIntent must be a string or list of strings: %w", err)
	}
	*l = StringList(many)
	return nil
}

// MarshalJSON renders a single-element list as a bare string so round-trips
// preserve the authored shape.
func (l StringList) MarshalJSON() ([]byte, error) {
	if len(l) == 1 {
		return json.Marshal(l[0])
	}
	return json.Marshal([]string(l))
}

// UnmarshalYAML accepts a bare string or a sequence of strings.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	var single string
	if err := node.Decode(&single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return fmt.Errorf("onIntent must be a string or list of strings: %w", err)
	}
	*l = StringList(many)
	return nil
}

// ParseJSON decodes a flow description from JSON.
func ParseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	return &cfg, nil
}

// ParseYAML decodes a flow description from YAML.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	return &cfg, nil
}
