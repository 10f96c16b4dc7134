package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalid is wrapped by every validation failure so callers can detect
// the class without inspecting messages.
var ErrInvalid = errors.New("invalid flow")

// Result aggregates validation findings. A flow with errors must be
// rejected; warnings are advisory and the flow remains usable.
type Result struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether the flow may be bound to a session.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Err returns an error wrapping ErrInvalid when the result has errors, nil
// otherwise.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, r.Errors[0])
}

// Validate checks the structural integrity of a flow description: required
// sections, referential integrity of states, intents and tools, action and
// transition shapes, and tool schema compilability. Unreachable states are
// reported as warnings.
func Validate(cfg *Config) Result {
	var res Result
	if cfg == nil {
		res.Errors = append(res.Errors, "flow is empty")
		return res
	}
	if cfg.Meta.Name == "" {
		res.Errors = append(res.Errors, "meta.name is required")
	}
	if cfg.Start == "" {
		res.Errors = append(res.Errors, "start is required")
	}
	if len(cfg.States) == 0 {
		res.Errors = append(res.Errors, "states must not be empty")
	}
	if cfg.Start != "" && len(cfg.States) > 0 {
		if _, ok := cfg.States[cfg.Start]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("start state %q is not defined in states", cfg.Start))
		}
	}
	for name, tool := range cfg.Tools {
		if tool.TimeoutMS < 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("tool %q: timeout_ms must be a non-negative number", name))
		}
		if err := compileSchema(tool.Args); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("tool %q: args schema: %v", name, err))
		}
		if err := compileSchema(tool.Result); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("tool %q: result schema: %v", name, err))
		}
	}
	for _, name := range sortedStateNames(cfg) {
		state := cfg.States[name]
		for i, action := range state.OnEnter {
			kind := action.Kind()
			if kind == ActionInvalid {
				res.Errors = append(res.Errors, fmt.Sprintf("state %q: onEnter[%d] must contain exactly one of say, ask, transfer, hangup, tool", name, i))
				continue
			}
			if kind == ActionTool {
				if _, ok := cfg.Tools[action.Tool.Name]; !ok {
					res.Errors = append(res.Errors, fmt.Sprintf("state %q: onEnter[%d] references unknown tool %q", name, i, action.Tool.Name))
				}
			}
		}
		for i, tr := range state.Transitions {
			if len(tr.OnIntent) == 0 && tr.OnToolResult == "" && len(tr.Branch) == 0 {
				res.Errors = append(res.Errors, fmt.Sprintf("state %q: transitions[%d] must declare onIntent, onToolResult or branch", name, i))
			}
			if tr.To == "" && len(tr.Branch) == 0 {
				res.Errors = append(res.Errors, fmt.Sprintf("state %q: transitions[%d] must declare to or branch", name, i))
			}
			for _, intent := range tr.OnIntent {
				if _, ok := cfg.Intents[intent]; !ok {
					res.Errors = append(res.Errors, fmt.Sprintf("state %q: transitions[%d] references unknown intent %q", name, i, intent))
				}
			}
			if tr.OnToolResult != "" {
				if _, ok := cfg.Tools[tr.OnToolResult]; !ok {
					res.Errors = append(res.Errors, fmt.Sprintf("state %q: transitions[%d] references unknown tool %q", name, i, tr.OnToolResult))
				}
			}
			if tr.To != "" {
				if _, ok := cfg.States[tr.To]; !ok {
					res.Errors = append(res.Errors, fmt.Sprintf("state %q: transitions[%d] targets unknown state %q", name, i, tr.To))
				}
			}
			for j, br := range tr.Branch {
				if _, ok := cfg.States[br.To]; !ok {
					res.Errors = append(res.Errors, fmt.Sprintf("state %q: transitions[%d].branch[%d] targets unknown state %q", name, i, j, br.To))
				}
			}
		}
	}
	if res.Valid() {
		for _, name := range unreachableStates(cfg) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("state %q is unreachable from %q", name, cfg.Start))
		}
	}
	return res
}

// compileSchema verifies the given document is a compilable JSON schema. An
// empty document is acceptable and means "no constraint".
func compileSchema(doc map[string]any) error {
	if len(doc) == 0 {
		return nil
	}
	// Round-trip through JSON so YAML-decoded documents use the value types
	// the compiler expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalized); err != nil {
		return err
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return err
	}
	return nil
}

// unreachableStates walks forward transitions (including branches) from the
// start state and returns every state never visited, sorted by name.
func unreachableStates(cfg *Config) []string {
	visited := map[string]bool{}
	queue := []string{cfg.Start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		state, ok := cfg.States[name]
		if !ok {
			continue
		}
		for _, tr := range state.Transitions {
			if tr.To != "" {
				queue = append(queue, tr.To)
			}
			for _, br := range tr.Branch {
				queue = append(queue, br.To)
			}
		}
	}
	var missing []string
	for name := range cfg.States {
		if !visited[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// sortedStateNames returns state names in stable order so validation output
// is deterministic.
func sortedStateNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.States))
	for name := range cfg.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
