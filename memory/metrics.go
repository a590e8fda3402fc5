package memory

import "github.com/itsneelabh/loopwatch/telemetry"

func init() {
	telemetry.DeclareMetrics("memory", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   telemetry.MetricSearchCacheHits,
				Type:   "counter",
				Help:   "Memory operations answered from the result cache",
				Labels: []string{"operation"},
			},
			{
				Name:   telemetry.MetricSearchResults,
				Type:   "counter",
				Help:   "Results returned by memory searches",
				Labels: []string{"operation"},
			},
			{
				Name:   telemetry.MetricSearchDuration,
				Type:   "histogram",
				Help:   "Wall time of one Search call including follow-ups",
				Unit:   "ms",
				Labels: []string{"operation"},
			},
			{
				Name:   telemetry.MetricSearchErrors,
				Type:   "counter",
				Help:   "Searcher failures",
				Labels: []string{"operation", "error_type"},
			},
		},
	})
}
