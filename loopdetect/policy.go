package loopdetect

import "fmt"

// DepthLimitMarker is the placeholder result returned when a chain is cut at
// the depth limit.
const DepthLimitMarker = "[Max depth reached]"

// circularChainLength is how many trailing keys a CircularBreak reports.
const circularChainLength = 5

// Terminal is the result handed back to the caller in place of doing real
// work once a loop has been detected. The set of implementations is closed.
type Terminal interface {
	// Category is the loop category that produced this result.
	Category() Category
	// Results is the payload returned to the caller.
	Results() []string
	// Error describes why the chain was broken.
	Error() string

	terminal()
}

// RepetitionBreak ends an exact repetition. Repetitions counts the
// occurrences of the key including the call that tripped the rule.
type RepetitionBreak struct {
	Key         string
	Repetitions int
}

func (RepetitionBreak) Category() Category { return CategoryExactRepetition }
func (RepetitionBreak) Results() []string  { return nil }
func (b RepetitionBreak) Error() string {
	return fmt.Sprintf("loop detected: operation repeated %d times", b.Repetitions)
}
func (RepetitionBreak) terminal() {}

// DepthBreak ends a chain that went too deep. It is a partial success: the
// caller gets a marker result rather than an error.
type DepthBreak struct {
	Depth int
}

func (DepthBreak) Category() Category { return CategoryMaxDepthExceeded }
func (DepthBreak) Results() []string  { return []string{DepthLimitMarker} }
func (b DepthBreak) Error() string {
	return fmt.Sprintf("maximum depth %d reached", b.Depth)
}

// Partial reports that the result carries usable, truncated output.
func (DepthBreak) Partial() bool { return true }
func (DepthBreak) terminal()     {}

// CircularBreak ends a cycle. Chain holds the trailing keys of the cycle,
// ending with the key that closed it.
type CircularBreak struct {
	Chain []string
}

func (CircularBreak) Category() Category { return CategoryCircularDependency }
func (CircularBreak) Results() []string  { return nil }
func (b CircularBreak) Error() string {
	return fmt.Sprintf("circular dependency detected across %d operations", len(b.Chain))
}
func (CircularBreak) terminal() {}

// GenericBreak ends any other loop category.
type GenericBreak struct {
	Kind    Category
	TraceID string
}

func (b GenericBreak) Category() Category { return b.Kind }
func (GenericBreak) Results() []string    { return nil }
func (b GenericBreak) Error() string {
	return fmt.Sprintf("loop detected: %s", b.Kind)
}
func (GenericBreak) terminal() {}

// HandleBreak converts a detected category into the terminal result for the
// caller. It must be called with the state locked, after Classify.
// It returns nil for CategoryNone.
func HandleBreak(category Category, sig Signature, state *DetectionState) Terminal {
	switch category {
	case CategoryNone:
		return nil
	case CategoryExactRepetition:
		return RepetitionBreak{
			Key:         sig.Key(),
			Repetitions: state.Count(sig.Key()) + 1,
		}
	case CategoryMaxDepthExceeded:
		return DepthBreak{Depth: state.MaxDepth()}
	case CategoryCircularDependency:
		return CircularBreak{Chain: trailingChain(state.history, sig.Key(), circularChainLength)}
	default:
		return GenericBreak{Kind: category, TraceID: state.TraceID()}
	}
}

func trailingChain(history []Signature, current string, n int) []string {
	start := len(history) - (n - 1)
	if start < 0 {
		start = 0
	}
	chain := make([]string, 0, n)
	for _, sig := range history[start:] {
		chain = append(chain, sig.Key())
	}
	return append(chain, current)
}
