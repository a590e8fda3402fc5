package loopdetect

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/loopwatch/core"
)

// Decision is the outcome of one Check.
type Decision struct {
	TraceID   string
	Category  Category
	Signature Signature
	// Query is the query as passed to Check.
	Query string
	// Key is Signature.Key(), the composite "operation:fingerprint" key.
	Key string
	// Depth is the deepest depth seen on the trace, including this call.
	Depth int
	// CallDepth is the depth passed to this Check.
	CallDepth int
	// OperationCount is the number of occurrences of the signature key on
	// the trace, including this call.
	OperationCount int
	// Result is set when the chain must be broken.
	Result Terminal
}

// Proceed reports whether the caller may do real work.
func (d Decision) Proceed() bool {
	return !d.Category.IsLoop()
}

// Attributes returns the decision as span attributes. loop.type is only
// present when a loop was detected.
func (d Decision) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Bool("loop.detected", d.Category.IsLoop()),
		attribute.String("loop.signature", d.Key),
		attribute.Int("loop.depth", d.CallDepth),
		attribute.Int("loop.operation_count", d.OperationCount),
	}
	if d.Category.IsLoop() {
		attrs = append(attrs, attribute.String("loop.type", string(d.Category)))
	}
	return attrs
}

// Sink observes decisions. Observe must not block; a panicking sink is
// recovered and logged.
type Sink interface {
	Observe(ctx context.Context, d Decision)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Decision)

// Observe calls f.
func (f SinkFunc) Observe(ctx context.Context, d Decision) { f(ctx, d) }

// Detector classifies memory/search operations and breaks loops.
type Detector struct {
	config   Config
	rules    Rules
	store    *Store
	patterns *PatternRegistry
	sinks    []Sink
	logger   core.Logger
	now      func() time.Time

	operationsTotal atomic.Int64
	loopsTotal      atomic.Int64
	nextPrune       atomic.Int64
}

// New creates a Detector with DefaultConfig adjusted by opts.
func New(opts ...Option) (*Detector, error) {
	o := &options{
		config: DefaultConfig(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if err := o.config.validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	patterns := o.patterns
	if patterns == nil {
		patterns = NewPatternRegistry(o.config.PatternTTL, o.config.MaxPatterns, o.clock)
	}

	return &Detector{
		config:   o.config,
		rules:    o.config.rules(),
		store:    NewStore(o.config.TimeWindow, o.config.MaxHistory),
		patterns: patterns,
		sinks:    o.sinks,
		logger:   core.ComponentLogger(logger, "loopdetect"),
		now:      o.clock,
	}, nil
}

// Check classifies one operation on traceID at the given recursion depth.
//
// It returns an error only for malformed input. A detected loop is not an
// error: the Decision carries the category and the terminal Result.
func (d *Detector) Check(ctx context.Context, traceID, operation, query string, depth int) (Decision, error) {
	if err := validateInput(traceID, operation, depth); err != nil {
		return Decision{}, err
	}

	now := d.now()
	sig := newSignatureAt(operation, query, now)

	state, unlock := d.store.Acquire(traceID, now)
	category := Classify(state, sig, depth, d.patterns, d.rules, now)
	decision := Decision{
		TraceID:        traceID,
		Category:       category,
		Signature:      sig,
		Query:          query,
		Key:            sig.Key(),
		Depth:          state.MaxDepth(),
		CallDepth:      depth,
		OperationCount: state.Count(sig.Key()),
	}
	if category.IsLoop() {
		decision.OperationCount++
		decision.Result = HandleBreak(category, sig, state)
	}
	unlock()

	d.operationsTotal.Add(1)
	if category.IsLoop() {
		d.loopsTotal.Add(1)
		d.logger.Warn("Loop detected", map[string]interface{}{
			"trace_id":        traceID,
			"loop_type":       string(category),
			"signature":       sig.Key(),
			"depth":           decision.Depth,
			"operation_count": decision.OperationCount,
		})
		if d.config.AutoPromote && category.promotable() && d.patterns.Promote(sig.Key()) {
			d.logger.Info("Pattern promoted to global registry", map[string]interface{}{
				"signature": sig.Key(),
				"trace_id":  traceID,
				"loop_type": string(category),
			})
		}
	}

	d.notify(ctx, decision)
	d.maintain(now)
	return decision, nil
}

// Promote adds a signature key ("operation:fingerprint") to the global
// registry by hand.
func (d *Detector) Promote(key string) error {
	if !strings.Contains(key, ":") {
		return &core.FrameworkError{
			Op:      "Detector.Promote",
			Kind:    "input",
			ID:      key,
			Message: "pattern key must have the form operation:fingerprint",
			Err:     core.ErrInvalidInput,
		}
	}
	if !d.patterns.Promote(key) {
		return &core.FrameworkError{Op: "Detector.Promote", Kind: "state", ID: key, Err: core.ErrPatternExists}
	}
	return nil
}

// Stats returns aggregate statistics. It is safe to call concurrently with
// Check.
func (d *Detector) Stats() Stats {
	stats := Snapshot(d.store)
	stats.GlobalPatterns = d.patterns.Len()
	stats.OperationsTotal = d.operationsTotal.Load()
	stats.LoopsDetectedTotal = d.loopsTotal.Load()
	return stats
}

// Inspect returns a copy of the state of traceID, if any.
func (d *Detector) Inspect(traceID string) (TraceSnapshot, bool) {
	return d.store.Lookup(traceID)
}

// Patterns returns the global pattern registry.
func (d *Detector) Patterns() *PatternRegistry {
	return d.patterns
}

// Config returns the thresholds in effect.
func (d *Detector) Config() Config {
	return d.config
}

// Cleanup expires stale traces immediately and returns how many were removed.
func (d *Detector) Cleanup() int {
	return d.store.CleanupExpired(d.now(), d.config.TimeWindow)
}

// Reset forgets every trace and every global pattern.
func (d *Detector) Reset() {
	d.store.Reset()
	d.patterns.Reset()
}

func (d *Detector) notify(ctx context.Context, decision Decision) {
	for _, sink := range d.sinks {
		d.observe(ctx, sink, decision)
	}
}

func (d *Detector) observe(ctx context.Context, sink Sink, decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Decision sink panicked", map[string]interface{}{
				"panic":    fmt.Sprintf("%v", r),
				"sink":     fmt.Sprintf("%T", sink),
				"trace_id": decision.TraceID,
			})
		}
	}()
	sink.Observe(ctx, decision)
}

func (d *Detector) maintain(now time.Time) {
	if removed := d.store.CleanupExpired(now, d.config.TimeWindow); removed > 0 {
		d.logger.Debug("Expired trace state", map[string]interface{}{
			"removed": removed,
			"active":  d.store.Len(),
		})
	}

	if d.config.PatternTTL <= 0 {
		return
	}
	next := d.nextPrune.Load()
	if now.UnixNano() < next {
		return
	}
	if d.nextPrune.CompareAndSwap(next, now.Add(d.config.PatternTTL/2).UnixNano()) {
		if pruned := d.patterns.Prune(); pruned > 0 {
			d.logger.Debug("Pruned global patterns", map[string]interface{}{
				"removed": pruned,
			})
		}
	}
}

func validateInput(traceID, operation string, depth int) error {
	var err error
	switch {
	case traceID == "":
		err = core.ErrMissingTraceID
	case operation == "":
		err = core.ErrMissingOperation
	case depth < 0:
		err = core.ErrNegativeDepth
	default:
		return nil
	}
	return &core.FrameworkError{
		Op:   "Detector.Check",
		Kind: "input",
		ID:   traceID,
		Err:  err,
	}
}
