package loopdetect

// Stats is a point-in-time aggregate over all active traces plus lifetime
// counters kept by the Detector.
type Stats struct {
	// TotalLoopsDetected counts active traces whose state is flagged.
	TotalLoopsDetected int `json:"total_loops_detected"`
	// ActiveTraces counts traces with live state.
	ActiveTraces int `json:"active_traces"`
	// LoopTypes counts flagged traces by the operation of the key that looped.
	LoopTypes map[string]int `json:"loop_types"`
	// ByCategory counts flagged traces by loop category.
	ByCategory map[Category]int `json:"by_category"`
	// MaxDepthSeen is the deepest depth across active traces.
	MaxDepthSeen int `json:"max_depth_seen"`

	GlobalPatterns     int   `json:"global_patterns"`
	OperationsTotal    int64 `json:"operations_total"`
	LoopsDetectedTotal int64 `json:"loops_detected_total"`
	EvictedTotal       int64 `json:"evicted_total"`
}

// Snapshot aggregates the active traces in store. It reads only the atomic
// per-trace summaries and never blocks on an in-flight classification.
func Snapshot(store *Store) Stats {
	stats := Stats{
		LoopTypes:  make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	store.forEach(func(st *DetectionState) {
		stats.ActiveTraces++
		if d := int(st.summary.maxDepth.Load()); d > stats.MaxDepthSeen {
			stats.MaxDepthSeen = d
		}
		if !st.summary.looped.Load() {
			return
		}
		stats.TotalLoopsDetected++
		if cat, ok := st.summary.category.Load().(Category); ok {
			stats.ByCategory[cat]++
		}
		if key, ok := st.summary.key.Load().(string); ok && key != "" {
			stats.LoopTypes[operationOf(key)]++
		}
	})
	stats.EvictedTotal = store.Evicted()
	return stats
}
