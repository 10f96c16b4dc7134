package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/convoflow/convoflow/template"
)

func TestEval(t *testing.T) {
	env := template.Env{
		Ctx:  map[string]any{"partySize": float64(10), "name": "alice", "vip": true},
		Tool: map[string]any{"ok": false},
	}

	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"else is always true", "else", true},
		{"empty is false", "", false},
		{"numeric gt true", "{{ctx.partySize}} > 8", true},
		{"numeric gt false", "{{ctx.partySize}} > 12", false},
		{"numeric gte boundary", "{{ctx.partySize}} >= 10", true},
		{"numeric lt", "{{ctx.partySize}} < 8", false},
		{"numeric lte", "{{ctx.partySize}} <= 10", true},
		{"bool eq", "{{ctx.vip}} == true", true},
		{"bool tool eq", "{{tool.ok}} == true", false},
		{"bool neq", "{{tool.ok}} != true", true},
		{"string eq", "{{ctx.name}} == alice", true},
		{"string neq", "{{ctx.name}} != bob", true},
		{"missing ref compares empty", "{{ctx.ghost}} == alice", false},
		{"and both true", "{{ctx.vip}} == true && {{ctx.partySize}} > 8", true},
		{"and one false", "{{ctx.vip}} == true && {{ctx.partySize}} > 12", false},
		{"or short circuit", "{{tool.ok}} == true || {{ctx.vip}} == true", true},
		{"bare truthy value", "{{ctx.vip}}", true},
		{"bare falsy value", "{{tool.ok}}", false},
		{"bare missing value", "{{ctx.ghost}}", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Eval(tc.in, env))
		})
	}
}

func TestEvalNumericVsLexicographic(t *testing.T) {
	env := template.Env{Ctx: map[string]any{"n": float64(9)}}
	// 9 > 10 lexicographically but not numerically; both sides are numbers
	// so the numeric comparison must win.
	assert.False(t, Eval("{{ctx.n}} > 10", env))
}

func TestSplit(t *testing.T) {
	op, left, right, ok := split("a >= b")
	assert.True(t, ok)
	assert.Equal(t, ">=", op)
	assert.Equal(t, "a", left)
	assert.Equal(t, "b", right)

	// Earliest operator wins over later ones.
	op, left, right, ok = split("x == y && z")
	assert.True(t, ok)
	assert.Equal(t, "==", op)
	assert.Equal(t, "x", left)
	assert.Equal(t, "y && z", right)

	_, _, _, ok = split("no operator here")
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(float64(0)))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(float64(0.1)))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy([]any{1}))
}
