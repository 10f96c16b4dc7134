package classifier

import (
	"context"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/convoflow/convoflow/flow"
)

type (
	// Pattern is the deterministic reference classifier. It scores each
	// intent by the fraction of example tokens present in the lowercased
	// user text and extracts slots with type-tagged patterns.
	Pattern struct {
		now  func() time.Time
		rand *rand.Rand
	}

	// PatternOption configures the Pattern classifier.
	PatternOption func(*Pattern)
)

// Sentinel is the suffix that forces a random intent at confidence 0.3,
// used to exercise mis-classification paths in tests and demos.
const Sentinel = "(HANG ON)"

const sentinelConfidence = 0.3

// WithNow overrides the clock used for relative date normalization.
func WithNow(now func() time.Time) PatternOption {
	return func(p *Pattern) { p.now = now }
}

// WithRand overrides the randomness source used by the sentinel path.
func WithRand(r *rand.Rand) PatternOption {
	return func(p *Pattern) { p.rand = r }
}

// NewPattern constructs the deterministic classifier.
func NewPattern(opts ...PatternOption) *Pattern {
	p := &Pattern{
		now:  time.Now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// Classify scores every intent and returns the argmax with its extracted
// slots. The sentinel suffix picks a random intent at fixed low confidence.
func (p *Pattern) Classify(_ context.Context, text string, intents map[string]flow.Intent, _ map[string]any) (Result, error) {
	names := make([]string, 0, len(intents))
	for name := range intents {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Result{}, nil
	}

	if strings.HasSuffix(strings.TrimSpace(text), Sentinel) {
		name := names[p.rand.Intn(len(names))]
		return Result{
			Name:       name,
			Confidence: sentinelConfidence,
			Slots:      p.extractSlots(text, intents[name]),
		}, nil
	}

	have := tokenSet(text)
	best, bestScore := names[0], 0.0
	for _, name := range names {
		score := 0.0
		for _, example := range intents[name].Examples {
			if s := overlap(have, example); s > score {
				score = s
			}
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return Result{
		Name:       best,
		Confidence: bestScore,
		Slots:      p.extractSlots(text, intents[best]),
	}, nil
}

// extractSlots runs the typed extraction pattern for each declared slot.
// Slots whose pattern finds nothing are omitted.
func (p *Pattern) extractSlots(text string, intent flow.Intent) map[string]any {
	if len(intent.Slots) == 0 {
		return nil
	}
	slots := make(map[string]any, len(intent.Slots))
	for name, typ := range intent.Slots {
		if v, ok := extractSlot(text, typ, p.now()); ok {
			slots[name] = v
		}
	}
	if len(slots) == 0 {
		return nil
	}
	return slots
}

// tokenSet lowercases and splits text into its alphanumeric tokens.
func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range tokenSplit.Split(strings.ToLower(text), -1) {
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// overlap is the fraction of example tokens present in the text token set.
func overlap(have map[string]bool, example string) float64 {
	toks := tokenSplit.Split(strings.ToLower(example), -1)
	total, hit := 0, 0
	for _, tok := range toks {
		if tok == "" {
			continue
		}
		total++
		if have[tok] {
			hit++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}
