/*
Package telemetry wires loopwatch into OpenTelemetry.

It has three layers:

 1. Helpers: Counter, Histogram, Gauge and Duration emit through the global
    registry; StartToolSpan, StartMemorySpan and StartLLMSpan open spans on
    an OTelProvider.
 2. Registry: Initialize builds the provider once, guards emission with a
    circuit breaker and a cardinality limiter, and exposes health.
 3. Provider: OTelProvider owns the tracer and meter providers and the
    exporters selected by Config (otlp, otlphttp, stdout, prometheus, none).

LoopSink connects a loopdetect.Detector to the provider. Every decision is
written onto the span carried by the Check context; detected loops add the
"Memory loop detected" event and mark the span failed. Counters and the
depth histogram are recorded per decision, and RegisterGauges publishes the
detector statistics as observable gauges.

Usage:

	if err := telemetry.Initialize(telemetry.UseProfile(telemetry.ProfileDevelopment)); err != nil {
	    return err
	}
	defer telemetry.Shutdown(context.Background())

	sink := telemetry.NewLoopSink(telemetry.GetProvider(), logger)
	detector, err := loopdetect.New(loopdetect.WithSink(sink))

Telemetry never fails the caller. Emission errors are counted, rate-limit
logged and, after enough of them, the circuit opens and metrics are dropped
until the backend recovers.
*/
package telemetry
