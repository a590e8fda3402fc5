package telemetry

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/loopwatch/core"
	"github.com/itsneelabh/loopwatch/loopdetect"
)

// EventLoopDetected is the span event added when a decision reports a loop.
const EventLoopDetected = "Memory loop detected"

// maxEventQueryLength bounds the query text copied into span events.
const maxEventQueryLength = 100

// StatsSource is anything that reports detector statistics, normally
// *loopdetect.Detector.
type StatsSource interface {
	Stats() loopdetect.Stats
}

// LoopSink records detector decisions on the span in the Check context and
// in metrics. It implements loopdetect.Sink.
//
//	sink := telemetry.NewLoopSink(telemetry.GetProvider(), logger)
//	detector, _ := loopdetect.New(loopdetect.WithSink(sink))
//	_ = sink.RegisterGauges(detector)
//
// When provider belongs to the global registry, emissions share its circuit
// breaker and cardinality limiter.
type LoopSink struct {
	metrics *MetricInstruments
	logger  core.Logger
	circuit *TelemetryCircuitBreaker
	limiter *CardinalityLimiter
}

var _ loopdetect.Sink = (*LoopSink)(nil)

// NewLoopSink builds a sink on provider. A nil provider records nothing.
func NewLoopSink(provider *OTelProvider, logger core.Logger) *LoopSink {
	if provider == nil {
		provider = NewProviderFromSDK(nil, nil)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	sink := &LoopSink{
		metrics: provider.Metrics(),
		logger:  core.ComponentLogger(logger, "telemetry/loop_sink"),
	}
	if r := GetRegistry(); r != nil && r.provider == provider {
		sink.circuit = r.circuit
		sink.limiter = r.limiter
	}
	return sink
}

// Observe implements loopdetect.Sink.
func (s *LoopSink) Observe(ctx context.Context, d loopdetect.Decision) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(d.Attributes()...)
		if d.Category.IsLoop() {
			span.AddEvent(EventLoopDetected, trace.WithAttributes(
				attribute.String("loop.type", string(d.Category)),
				attribute.String("memory.operation", d.Signature.Operation),
				attribute.String("memory.query", truncate(d.Query, maxEventQueryLength)),
				attribute.Int("loop.repetitions", d.OperationCount),
				attribute.Int("loop.depth", d.CallDepth),
			))
			span.SetStatus(codes.Error, "loop detected: "+string(d.Category))
		}
	}

	if !s.circuit.Allow() {
		telemetryDropped.Add(1)
		return
	}

	operation := attribute.String("operation", s.limitLabel(MetricOperations, "operation", d.Signature.Operation))
	s.recorded(MetricOperations,
		s.metrics.RecordCounter(ctx, MetricOperations, 1, metric.WithAttributes(operation)))
	s.recorded(MetricOperationDepth,
		s.metrics.RecordHistogram(ctx, MetricOperationDepth, float64(d.CallDepth), metric.WithAttributes(operation)))
	if d.Category.IsLoop() {
		s.recorded(MetricLoopDetections,
			s.metrics.RecordCounter(ctx, MetricLoopDetections, 1, metric.WithAttributes(
				attribute.String("loop_type", string(d.Category)),
			)))
	}
}

func (s *LoopSink) limitLabel(name, label, value string) string {
	if s.limiter == nil {
		return value
	}
	return s.limiter.CheckAndLimit(name, label, value)
}

// recorded reports the outcome of one emission to the circuit breaker.
func (s *LoopSink) recorded(name string, err error) {
	if err == nil {
		s.circuit.RecordSuccess()
		return
	}
	telemetryErrors.Add(1)
	s.circuit.RecordFailure()
	s.recordFailed(name, err)
}

// RegisterGauges publishes active loops, active traces, max depth and the
// global pattern count of source as observable gauges.
func (s *LoopSink) RegisterGauges(source StatsSource) error {
	gauges := []struct {
		name        string
		description string
		value       func(loopdetect.Stats) float64
	}{
		{MetricLoopsActive, "Active traces flagged as looping", func(st loopdetect.Stats) float64 { return float64(st.TotalLoopsDetected) }},
		{MetricTracesActive, "Traces with live detection state", func(st loopdetect.Stats) float64 { return float64(st.ActiveTraces) }},
		{MetricDepthMax, "Deepest recursion depth across active traces", func(st loopdetect.Stats) float64 { return float64(st.MaxDepthSeen) }},
		{MetricPatternsGlobal, "Signatures in the global pattern registry", func(st loopdetect.Stats) float64 { return float64(st.GlobalPatterns) }},
	}

	for _, g := range gauges {
		value := g.value
		err := s.metrics.RegisterGauge(g.name, func(context.Context) float64 {
			return value(source.Stats())
		}, metric.WithDescription(g.description))
		if err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
	}
	return nil
}

// UnregisterGauges removes the gauges added by RegisterGauges.
func (s *LoopSink) UnregisterGauges() {
	for _, name := range []string{MetricLoopsActive, MetricTracesActive, MetricDepthMax, MetricPatternsGlobal} {
		_ = s.metrics.UnregisterGauge(name)
	}
}

func (s *LoopSink) recordFailed(name string, err error) {
	s.logger.Debug("Metric recording failed", map[string]interface{}{
		"metric": name,
		"error":  err.Error(),
	})
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
