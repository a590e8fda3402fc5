package loopdetect

import "time"

// Rules holds the thresholds evaluated by Classify.
type Rules struct {
	MaxDepth           int
	MaxRepeats         int
	RapidWindow        time.Duration
	RapidThreshold     int
	CircularScanWindow int
	MaxHistory         int
}

// Longest and shortest repeating unit considered by the circular rule.
const (
	minCycleLength = 2
	maxCycleLength = 4
)

// Classify evaluates sig against the trace state and the global registry and
// returns the first matching category in priority order.
//
// The state must be locked by the caller. The observed depth is folded into
// the state before any rule runs. On a match the state is flagged and sig is
// not recorded, so a broken loop never inflates its own counts; otherwise
// sig is appended to the history.
func Classify(state *DetectionState, sig Signature, depth int, patterns *PatternRegistry, rules Rules, now time.Time) Category {
	state.observeDepth(depth)

	key := sig.Key()
	category := evaluate(state, sig, key, patterns, rules, now)
	if category.IsLoop() {
		state.flag(category, key)
		return category
	}
	state.record(sig, rules.MaxHistory)
	return CategoryNone
}

func evaluate(state *DetectionState, sig Signature, key string, patterns *PatternRegistry, rules Rules, now time.Time) Category {
	// Occurrences include the call being classified.
	if state.Count(key)+1 >= rules.MaxRepeats {
		return CategoryExactRepetition
	}
	if state.maxDepth >= rules.MaxDepth {
		return CategoryMaxDepthExceeded
	}
	if isRapid(state.history, sig, rules, now) {
		return CategoryRapidRepetition
	}
	if isCircular(state.history, key, rules.CircularScanWindow) {
		return CategoryCircularDependency
	}
	if patterns != nil && patterns.Contains(key) {
		return CategoryGlobalPatternRepetition
	}
	return CategoryNone
}

// isRapid compares fingerprints only, so the same query repeated across
// different operations still counts.
func isRapid(history []Signature, sig Signature, rules Rules, now time.Time) bool {
	if rules.RapidThreshold <= 0 {
		return false
	}
	hits := 1
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		if now.Sub(entry.ObservedAt) >= rules.RapidWindow {
			break
		}
		if entry.Fingerprint == sig.Fingerprint {
			hits++
			if hits >= rules.RapidThreshold {
				return true
			}
		}
	}
	return false
}

// isCircular reports whether the trailing keys, ending with the current one,
// consist of some unit P of length 2..4 repeated twice. A unit made of one
// key repeated is plain repetition and is left to the repetition rules.
func isCircular(history []Signature, current string, scanWindow int) bool {
	if scanWindow < 2*minCycleLength {
		return false
	}
	start := len(history) - (scanWindow - 1)
	if start < 0 {
		start = 0
	}
	seq := make([]string, 0, len(history)-start+1)
	for _, sig := range history[start:] {
		seq = append(seq, sig.Key())
	}
	seq = append(seq, current)

	for n := minCycleLength; n <= maxCycleLength && 2*n <= len(seq); n++ {
		tail := seq[len(seq)-n:]
		prev := seq[len(seq)-2*n : len(seq)-n]
		if equalKeys(prev, tail) && !uniform(tail) {
			return true
		}
	}
	return false
}

func equalKeys(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uniform(keys []string) bool {
	for _, k := range keys[1:] {
		if k != keys[0] {
			return false
		}
	}
	return true
}
