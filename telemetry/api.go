package telemetry

import (
	"context"
	"time"
)

// The functions below go through the global registry and are no-ops before
// Initialize. Labels are key/value pairs:
//
//	telemetry.Counter("memory.search.cache_hits", "operation", "search")

// Counter adds 1 to the counter called name.
func Counter(name string, labels ...string) {
	emitKind(context.Background(), kindCounter, name, 1, labels)
}

// CounterAdd adds value to the counter called name. Negative values are
// dropped by the SDK.
func CounterAdd(ctx context.Context, name string, value float64, labels ...string) {
	emitKind(ctx, kindCounter, name, value, labels)
}

// Histogram records value into the distribution called name.
func Histogram(name string, value float64, labels ...string) {
	emitKind(context.Background(), kindHistogram, name, value, labels)
}

// Gauge moves the up-down counter called name by delta. Use +1/-1 around
// work to track how much of it is in flight.
func Gauge(name string, delta float64, labels ...string) {
	emitKind(context.Background(), kindUpDown, name, delta, labels)
}

// Duration records the milliseconds since start into a histogram.
//
//	start := time.Now()
//	defer telemetry.Duration("memory.search.duration_ms", start)
func Duration(name string, start time.Time, labels ...string) {
	Histogram(name, float64(time.Since(start).Milliseconds()), labels...)
}

// TimeOperation returns a func that records the elapsed time when called.
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}

// RecordError counts one error of errorType.
func RecordError(name string, errorType string, labels ...string) {
	all := make([]string, 0, len(labels)+2)
	all = append(all, labels...)
	all = append(all, "error_type", errorType)
	Counter(name, all...)
}
