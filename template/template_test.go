package template

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestResolveText(t *testing.T) {
	env := Env{
		Ctx: map[string]any{
			"partySize": float64(4),
			"contact":   map[string]any{"name": "John Doe", "phone": "555-1234"},
		},
		Slot: map[string]any{"date": "2025-03-01"},
		Tool: map[string]any{"ok": true},
	}

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello there", "hello there"},
		{"ctx scalar", "party of {{ctx.partySize}}", "party of 4"},
		{"nested path", "name: {{ctx.contact.name}}", "name: John Doe"},
		{"slot lookup", "on {{slot.date}}", "on 2025-03-01"},
		{"tool lookup", "ok={{tool.ok}}", "ok=true"},
		{"missing path", "hi {{ctx.nope}}!", "hi !"},
		{"missing nested", "{{ctx.contact.email}}", ""},
		{"whitespace in braces", "{{ ctx.partySize }}", "4"},
		{"multiple refs", "{{ctx.contact.name}} / {{ctx.contact.phone}}", "John Doe / 555-1234"},
		{"composite renders as JSON", "{{ctx.contact}}", `{"name":"John Doe","phone":"555-1234"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveText(tc.in, env))
		})
	}
}

func TestResolveTextNilEnv(t *testing.T) {
	assert.Equal(t, "got ", ResolveText("got {{ctx.anything}}", Env{}))
}

func TestResolveCoercion(t *testing.T) {
	env := Env{
		Ctx:  map[string]any{"n": float64(7), "s": "hello"},
		Tool: map[string]any{"ok": false},
	}

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"pure number coerces", "{{ctx.n}}", float64(7)},
		{"bool literal coerces", "{{tool.ok}}", false},
		{"prose stays string", "n is {{ctx.n}}", "n is 7"},
		{"plain string stays", "{{ctx.s}}", "hello"},
		{"signed decimal", "-3.5", float64(-3.5)},
		{"non-string passthrough", float64(12), float64(12)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Resolve(tc.in, env))
		})
	}
}

func TestResolveNested(t *testing.T) {
	env := Env{Ctx: map[string]any{"date": "2025-03-01", "size": float64(4)}}
	in := map[string]any{
		"date": "{{ctx.date}}",
		"details": map[string]any{
			"partySize": "{{ctx.size}}",
			"notes":     []any{"{{ctx.date}} booking", "vip"},
		},
	}
	got := Resolve(in, env)
	assert.Equal(t, map[string]any{
		"date": "2025-03-01",
		"details": map[string]any{
			"partySize": float64(4),
			"notes":     []any{"2025-03-01 booking", "vip"},
		},
	}, got)
}

func TestLookup(t *testing.T) {
	root := map[string]any{"a": map[string]any{"b": "x"}}

	v, ok := Lookup(root, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = Lookup(root, "a.b.c")
	assert.False(t, ok, "traversing through a scalar")

	_, ok = Lookup(nil, "a")
	assert.False(t, ok)
}

// Substitution is idempotent on reference-free strings: resolving a resolved
// text never changes it again.
func TestResolveTextIdempotentProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	env := Env{Ctx: map[string]any{"x": "val"}}
	properties.Property("resolved text is a fixpoint", prop.ForAll(
		func(s string) bool {
			once := ResolveText(s+" {{ctx.x}}", env)
			return ResolveText(once, env) == once
		},
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}
