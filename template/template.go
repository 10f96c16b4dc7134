// Package template interpolates {{ctx.path}}, {{slot.path}} and {{tool.path}}
// references inside strings and nested argument structures. Flow authors use
// these references in action texts, tool argument templates, guard expressions
// and context assignments.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Env holds the three lookup environments a template may reference. Nil maps
// are valid and resolve every path to the empty string.
type Env struct {
	Ctx  map[string]any
	Slot map[string]any
	Tool map[string]any
}

var ref = regexp.MustCompile(`\{\{\s*(ctx|slot|tool)\.([A-Za-z0-9_.\-]+)\s*\}\}`)

// Resolve substitutes every reference in value against env and returns the
// same shape. Strings are additionally parsed leniently after substitution:
// an exact JSON literal yields its parse result, a pure integer or decimal
// string coerces to a number, anything else stays a string. Maps and slices
// are resolved recursively; other values pass through unchanged.
func Resolve(value any, env Env) any {
	switch v := value.(type) {
	case string:
		return parseLenient(ResolveText(v, env))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, env)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, env)
		}
		return out
	default:
		return value
	}
}

// ResolveText substitutes references in s and returns the raw string without
// literal coercion. Missing lookups yield the empty string. Use this for
// presentation texts where "4" must stay "4".
func ResolveText(s string, env Env) string {
	return ref.ReplaceAllStringFunc(s, func(m string) string {
		groups := ref.FindStringSubmatch(m)
		var root map[string]any
		switch groups[1] {
		case "ctx":
			root = env.Ctx
		case "slot":
			root = env.Slot
		case "tool":
			root = env.Tool
		}
		v, ok := Lookup(root, groups[2])
		if !ok || v == nil {
			return ""
		}
		return formatValue(v)
	})
}

// Lookup walks a dotted path through nested maps. The second return is false
// when any path segment is missing or a non-map is traversed.
func Lookup(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	cur := any(root)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// formatValue renders a looked-up value for string substitution. Scalars use
// their natural rendering; composites render as JSON.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// parseLenient applies the post-substitution coercion rules: exact JSON
// literals parse, pure numeric strings coerce, everything else is kept.
func parseLenient(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	if looksLikeJSON(trimmed) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil && isNumeric(trimmed) {
		return n
	}
	return s
}

// looksLikeJSON guards the JSON parse so prose containing braces or quotes
// mid-string is not mistaken for a literal.
func looksLikeJSON(s string) bool {
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	switch s {
	case "true", "false", "null":
		return true
	}
	return isNumeric(s)
}

// isNumeric reports whether s is a pure integer or decimal, optionally signed.
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '-' || s[0] == '+' {
		i++
	}
	digits, dot := false, false
	for ; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			digits = true
		case s[i] == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return digits
}
