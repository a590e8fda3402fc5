package patternsync

import "github.com/itsneelabh/loopwatch/telemetry"

func init() {
	telemetry.DeclareMetrics("patternsync", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   telemetry.MetricPatternSyncRuns,
				Type:   "counter",
				Help:   "Pattern sync rounds by outcome",
				Labels: []string{"status"},
			},
			{
				Name: telemetry.MetricPatternSyncTime,
				Type: "histogram",
				Help: "Duration of one push, trim and pull round",
				Unit: "ms",
			},
		},
	})
}
