// Package expr evaluates guard expressions from the flow description. The
// grammar is deliberately tiny: a single binary operator from a fixed set,
// the literal "else", or a bare value evaluated for truthiness. Compound
// conditions must be authored with a single operator; there is no precedence.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/convoflow/convoflow/template"
)

// operators in match order: multi-character operators first so ">=" is not
// split as ">" followed by "=".
var operators = []string{">=", "<=", "==", "!=", ">", "<"}

// Eval evaluates a guard string against the given environments. Both operands
// are template-resolved before comparison; comparison is numeric when both
// sides resolve to numbers and lexicographic otherwise. The literal "else"
// always evaluates true.
func Eval(s string, env template.Env) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if s == "else" {
		return true
	}
	// Logical connectives bind loosest: split on them before comparisons so
	// "a == b && c == d" evaluates as two comparisons.
	if idx := strings.Index(s, "&&"); idx >= 0 {
		return Eval(s[:idx], env) && Eval(s[idx+2:], env)
	}
	if idx := strings.Index(s, "||"); idx >= 0 {
		return Eval(s[:idx], env) || Eval(s[idx+2:], env)
	}
	if op, left, right, ok := split(s); ok {
		return compare(op, template.Resolve(left, env), template.Resolve(right, env))
	}
	return Truthy(template.Resolve(s, env))
}

// split finds the first operator occurrence scanning left to right and
// returns the operator with the trimmed operands.
func split(s string) (op, left, right string, ok bool) {
	best := -1
	for _, candidate := range operators {
		idx := strings.Index(s, candidate)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best || (idx == best && len(candidate) > len(op)) {
			best, op = idx, candidate
		}
	}
	if best < 0 {
		return "", "", "", false
	}
	return op, strings.TrimSpace(s[:best]), strings.TrimSpace(s[best+len(op):]), true
}

// compare applies a comparison operator to two resolved operands.
func compare(op string, left, right any) bool {
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if lok && rok {
		switch op {
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		}
	}
	ls, rs := asString(left), asString(right)
	switch op {
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	}
	return false
}

// Truthy reports the truthiness of a resolved value: non-empty strings,
// non-zero numbers, true booleans and non-empty composites are true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
