package loopdetect

// Category identifies the kind of loop detected for an operation.
// The zero value CategoryNone means the operation may proceed.
type Category string

const (
	CategoryNone                    Category = ""
	CategoryExactRepetition         Category = "exact_repetition"
	CategoryMaxDepthExceeded        Category = "max_depth_exceeded"
	CategoryRapidRepetition         Category = "rapid_repetition"
	CategoryCircularDependency      Category = "circular_dependency"
	CategoryGlobalPatternRepetition Category = "global_pattern_repetition"
)

// Categories returns every loop category in classification priority order.
func Categories() []Category {
	return []Category{
		CategoryExactRepetition,
		CategoryMaxDepthExceeded,
		CategoryRapidRepetition,
		CategoryCircularDependency,
		CategoryGlobalPatternRepetition,
	}
}

// IsLoop reports whether c names a detected loop.
func (c Category) IsLoop() bool {
	return c != CategoryNone
}

// String returns the category name, or "none" for CategoryNone.
func (c Category) String() string {
	if c == CategoryNone {
		return "none"
	}
	return string(c)
}

// promotable reports whether a loop of this category implicates the
// signature itself, making it a candidate for the global registry.
// Depth loops implicate the chain, and global hits are already promoted.
func (c Category) promotable() bool {
	switch c {
	case CategoryExactRepetition, CategoryRapidRepetition, CategoryCircularDependency:
		return true
	default:
		return false
	}
}
