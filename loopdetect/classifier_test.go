package loopdetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// classifySequence runs queries through Classify on one state, advancing the
// clock by step between calls, and returns the categories.
func classifySequence(t *testing.T, rules Rules, patterns *PatternRegistry, step time.Duration, ops ...[2]string) []Category {
	t.Helper()
	clock := newFakeClock()
	state := newDetectionState("trace-1", clock.Now())
	out := make([]Category, 0, len(ops))
	for _, op := range ops {
		now := clock.Now()
		out = append(out, Classify(state, newSignatureAt(op[0], op[1], now), 0, patterns, rules, now))
		clock.Advance(step)
	}
	return out
}

func search(q string) [2]string { return [2]string{"search", q} }

func TestClassifyExactRepetition(t *testing.T) {
	rules := testRules()
	rules.MaxRepeats = 3

	got := classifySequence(t, rules, nil, 0,
		search("q"), search("q"), search("q"), search("q"), search("q"))

	assert.Equal(t, []Category{
		CategoryNone,
		CategoryNone,
		CategoryExactRepetition,
		CategoryExactRepetition,
		CategoryExactRepetition,
	}, got)
}

func TestClassifyExactRepetitionFiresOnMaxRepeatsCall(t *testing.T) {
	rules := testRules()
	// Spacing beyond the rapid window isolates the exact rule.
	got := classifySequence(t, rules, nil, 6*time.Second,
		search("q"), search("q"), search("q"), search("q"), search("q"))

	for i := 0; i < rules.MaxRepeats-1; i++ {
		assert.Equal(t, CategoryNone, got[i], "call %d", i+1)
	}
	assert.Equal(t, CategoryExactRepetition, got[rules.MaxRepeats-1])
}

func TestClassifyMaxDepth(t *testing.T) {
	rules := testRules()
	rules.MaxDepth = 5
	clock := newFakeClock()
	state := newDetectionState("trace-1", clock.Now())

	for depth := 0; depth <= 6; depth++ {
		sig := newSignatureAt("search", "query at depth "+string(rune('a'+depth)), clock.Now())
		got := Classify(state, sig, depth, nil, rules, clock.Now())
		if depth < rules.MaxDepth {
			assert.Equal(t, CategoryNone, got, "depth %d", depth)
		} else {
			assert.Equal(t, CategoryMaxDepthExceeded, got, "depth %d", depth)
		}
	}

	// The deepest depth sticks to the trace.
	got := Classify(state, newSignatureAt("search", "shallow", clock.Now()), 0, nil, rules, clock.Now())
	assert.Equal(t, CategoryMaxDepthExceeded, got)
	assert.Equal(t, 6, state.MaxDepth())
}

func TestClassifyRapidRepetition(t *testing.T) {
	rules := testRules()

	t.Run("same fingerprint across operations", func(t *testing.T) {
		got := classifySequence(t, rules, nil, time.Second,
			[2]string{"search", "q"}, [2]string{"store", "q"}, [2]string{"search", "Q "})
		assert.Equal(t, []Category{CategoryNone, CategoryNone, CategoryRapidRepetition}, got)
	})

	t.Run("outside the window", func(t *testing.T) {
		got := classifySequence(t, rules, nil, 3*time.Second,
			[2]string{"search", "q"}, [2]string{"store", "q"}, [2]string{"fetch", "q"})
		assert.Equal(t, []Category{CategoryNone, CategoryNone, CategoryNone}, got)
	})
}

func TestClassifyCircularDependency(t *testing.T) {
	rules := testRules()

	tests := []struct {
		name string
		ops  [][2]string
		want Category
	}{
		{
			name: "three step cycle",
			ops:  [][2]string{search("A"), search("B"), search("C"), search("A"), search("B"), search("C")},
			want: CategoryCircularDependency,
		},
		{
			name: "two step cycle",
			ops:  [][2]string{search("A"), search("B"), search("A"), search("B")},
			want: CategoryCircularDependency,
		},
		{
			name: "four step cycle",
			ops: [][2]string{
				search("A"), search("B"), search("C"), search("D"),
				search("A"), search("B"), search("C"), search("D"),
			},
			want: CategoryCircularDependency,
		},
		{
			name: "five step cycle is too long",
			ops: [][2]string{
				search("A"), search("B"), search("C"), search("D"), search("E"),
				search("A"), search("B"), search("C"), search("D"), search("E"),
			},
			want: CategoryNone,
		},
		{
			name: "no repetition",
			ops:  [][2]string{search("A"), search("B"), search("C"), search("D")},
			want: CategoryNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Spacing defeats the rapid rule.
			got := classifySequence(t, rules, nil, 6*time.Second, tt.ops...)
			for i := 0; i < len(got)-1; i++ {
				require.Equal(t, CategoryNone, got[i], "call %d", i+1)
			}
			assert.Equal(t, tt.want, got[len(got)-1])
		})
	}
}

func TestClassifyUniformRunIsNotCircular(t *testing.T) {
	rules := testRules()
	got := classifySequence(t, rules, nil, 6*time.Second,
		search("q"), search("q"), search("q"), search("q"))
	assert.Equal(t, []Category{CategoryNone, CategoryNone, CategoryNone, CategoryNone}, got)
}

func TestClassifyGlobalPattern(t *testing.T) {
	clock := newFakeClock()
	patterns := NewPatternRegistry(0, 0, clock.Now)
	patterns.Promote(NewSignature("search", "known loop").Key())

	got := classifySequence(t, testRules(), patterns, 0, search("known loop"))
	assert.Equal(t, []Category{CategoryGlobalPatternRepetition}, got)
}

func TestClassifyPriority(t *testing.T) {
	rules := testRules()
	rules.MaxRepeats = 2
	rules.MaxDepth = 1
	clock := newFakeClock()
	state := newDetectionState("trace-1", clock.Now())
	now := clock.Now()

	assert.Equal(t, CategoryNone, Classify(state, newSignatureAt("search", "q", now), 0, nil, rules, now))
	// Exact repetition outranks depth.
	assert.Equal(t, CategoryExactRepetition, Classify(state, newSignatureAt("search", "q", now), 3, nil, rules, now))
	// The retained depth applies to a new signature.
	assert.Equal(t, CategoryMaxDepthExceeded, Classify(state, newSignatureAt("store", "q", now), 0, nil, rules, now))
	assert.Equal(t, 1, state.Count(NewSignature("search", "q").Key()), "loops are not recorded")
}

func TestClassifyDoesNotRecordLoops(t *testing.T) {
	rules := testRules()
	rules.MaxRepeats = 2
	clock := newFakeClock()
	state := newDetectionState("trace-1", clock.Now())
	key := NewSignature("search", "q").Key()

	for i := 0; i < 4; i++ {
		Classify(state, newSignatureAt("search", "q", clock.Now()), 0, nil, rules, clock.Now())
	}

	assert.Equal(t, 1, state.Count(key))
	assert.Len(t, state.History(), 1)
	assert.Equal(t, CategoryExactRepetition, state.LoopCategory())
}
