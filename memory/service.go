// Package memory runs memory and search operations under loop detection.
//
// A Service drains an explicit work queue: each Request is checked by the
// detector before the Searcher runs, and follow-up requests returned by the
// Searcher are queued one level deeper. The first loop decision ends the
// whole chain and its terminal result is returned in place of more work.
//
//	svc, _ := memory.NewService(detector, memory.NewSimulatedSearcher())
//	out, err := svc.Search(ctx, "", memory.Request{Operation: "search", Query: "docker error"})
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/loopwatch/core"
	"github.com/itsneelabh/loopwatch/loopdetect"
	"github.com/itsneelabh/loopwatch/telemetry"
)

// EventMightLoop is the span event added when a result looks likely to
// start another round of the same work.
const EventMightLoop = "Potential loop pattern emerging"

// Defaults used when no MemoryConfig is given.
const (
	DefaultCacheTTL       = 5 * time.Minute
	DefaultMaxQueueLength = 256
)

// hintDepth is the trace depth above which follow-ups are reported as a
// potential loop.
const hintDepth = 5

const searchTool = "memory_search"

// Step records one dequeued request.
type Step struct {
	Request  Request             `json:"request"`
	Decision loopdetect.Decision `json:"-"`
	Category loopdetect.Category `json:"category"`
	Result   *Result             `json:"result,omitempty"`
	Cached   bool                `json:"cached,omitempty"`
	// MightLoop is set when the result hints at another round.
	MightLoop bool `json:"might_loop,omitempty"`
}

// Outcome is the result of one Search.
type Outcome struct {
	TraceID string   `json:"trace_id"`
	Results []string `json:"results"`
	Steps   []Step   `json:"steps"`
	// Terminal is the break result when a loop ended the chain.
	Terminal loopdetect.Terminal `json:"-"`
	// Skipped counts queued requests abandoned after the break.
	Skipped int `json:"skipped,omitempty"`
}

// LoopDetected reports whether the chain was broken.
func (o *Outcome) LoopDetected() bool {
	return o.Terminal != nil
}

// Category is the loop category that broke the chain, or CategoryNone.
func (o *Outcome) Category() loopdetect.Category {
	if o.Terminal == nil {
		return loopdetect.CategoryNone
	}
	return o.Terminal.Category()
}

// Service drives a Searcher under a Detector.
type Service struct {
	detector *loopdetect.Detector
	searcher Searcher
	cache    core.Memory
	cacheTTL time.Duration
	maxQueue int
	provider *telemetry.OTelProvider
	logger   core.Logger
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithConfig applies the memory section of core.Config.
func WithConfig(cfg core.MemoryConfig) Option {
	return func(s *Service) {
		if cfg.CacheTTL > 0 {
			s.cacheTTL = cfg.CacheTTL
		}
		if cfg.MaxQueueLength > 0 {
			s.maxQueue = cfg.MaxQueueLength
		}
	}
}

// WithCache replaces the result cache. A nil cache disables caching.
func WithCache(cache core.Memory, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithMaxQueueLength bounds the pending work of one Search.
func WithMaxQueueLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxQueue = n
		}
	}
}

// WithProvider records tool and memory spans on provider.
func WithProvider(provider *telemetry.OTelProvider) Option {
	return func(s *Service) {
		if provider != nil {
			s.provider = provider
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = core.ComponentLogger(logger, "memory")
		}
	}
}

// WithIDGenerator replaces the generator of trace ids for calls that carry
// neither an explicit id nor a span.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService creates a Service. detector and searcher are required.
func NewService(detector *loopdetect.Detector, searcher Searcher, opts ...Option) (*Service, error) {
	if detector == nil || searcher == nil {
		return nil, &core.FrameworkError{
			Op:      "memory.NewService",
			Kind:    "configuration",
			Message: "detector and searcher are required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	s := &Service{
		detector: detector,
		searcher: searcher,
		cache:    core.NewMemoryStore(),
		cacheTTL: DefaultCacheTTL,
		maxQueue: DefaultMaxQueueLength,
		provider: telemetry.NewProviderFromSDK(nil, nil),
		logger:   &core.NoOpLogger{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Detector returns the detector the service checks against.
func (s *Service) Detector() *loopdetect.Detector {
	return s.detector
}

// Stats returns the detector statistics.
func (s *Service) Stats() loopdetect.Stats {
	return s.detector.Stats()
}

// Search runs req and every follow-up it produces on one trace.
//
// An empty traceID is taken from the span in ctx, or generated. A detected
// loop is not an error: the Outcome carries the terminal result. Errors are
// returned for malformed requests, Searcher failures, a full queue and
// cancellation; the Outcome then holds the steps completed so far.
func (s *Service) Search(ctx context.Context, traceID string, req Request) (out *Outcome, err error) {
	ctx, finish := s.provider.StartToolSpan(ctx, searchTool, map[string]interface{}{
		"operation": req.Operation,
		"query":     req.Query,
	})
	defer func() { finish(err) }()
	defer telemetry.Duration(telemetry.MetricSearchDuration, time.Now(), "operation", req.Operation)

	if traceID == "" {
		traceID = s.traceIDFrom(ctx)
	}
	out = &Outcome{TraceID: traceID}

	queue := []Request{req}
	for len(queue) > 0 {
		if err = ctx.Err(); err != nil {
			return out, err
		}
		next := queue[0]
		queue = queue[1:]

		var step Step
		step, err = s.step(ctx, traceID, next)
		if err != nil {
			return out, err
		}
		out.Steps = append(out.Steps, step)

		if !step.Decision.Proceed() {
			out.Terminal = step.Decision.Result
			out.Results = append(out.Results, out.Terminal.Results()...)
			out.Skipped = len(queue)
			break
		}

		out.Results = append(out.Results, step.Result.Results...)
		for _, f := range step.Result.FollowUps {
			if len(queue) >= s.maxQueue {
				err = &core.FrameworkError{
					Op:      "memory.Search",
					Kind:    "state",
					ID:      traceID,
					Message: fmt.Sprintf("more than %d pending requests", s.maxQueue),
					Err:     core.ErrQueueFull,
				}
				return out, err
			}
			f.Depth = next.Depth + 1
			queue = append(queue, f)
		}
	}

	telemetry.CounterAdd(ctx, telemetry.MetricSearchResults, float64(len(out.Results)), "operation", req.Operation)
	s.logger.Debug("Memory search completed", telemetry.LogFields(ctx, map[string]interface{}{
		"trace_id":  traceID,
		"steps":     len(out.Steps),
		"results":   len(out.Results),
		"loop_type": string(out.Category()),
	}))
	return out, nil
}

func (s *Service) step(ctx context.Context, traceID string, req Request) (Step, error) {
	ctx, span := s.provider.StartMemorySpan(ctx, req.Operation,
		attribute.String("memory.source", "loop_detector"),
		attribute.Int("memory.depth", req.Depth),
	)
	defer span.End()

	decision, err := s.detector.Check(ctx, traceID, req.Operation, req.Query, req.Depth)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return Step{}, err
	}
	step := Step{Request: req, Decision: decision, Category: decision.Category}
	if !decision.Proceed() {
		return step, nil
	}

	cacheKey := fmt.Sprintf("memory:%s@%d", decision.Key, req.Depth)
	res, cached := s.cached(ctx, cacheKey, req.Operation)
	if !cached {
		res, err = s.searcher.Search(ctx, req)
		if err != nil {
			telemetry.RecordSpanError(ctx, err)
			telemetry.RecordError(telemetry.MetricSearchErrors, "backend", "operation", req.Operation)
			return Step{}, &core.FrameworkError{
				Op:   "memory.Search",
				Kind: "backend",
				ID:   decision.Key,
				Err:  err,
			}
		}
		s.store(ctx, cacheKey, res)
	}
	step.Result = &res
	step.Cached = cached

	if mightTriggerLoop(res, decision.Depth) {
		step.MightLoop = true
		unique := 0
		if snap, ok := s.detector.Inspect(traceID); ok {
			unique = len(snap.RepeatCounts)
		}
		telemetry.AddSpanEvent(ctx, EventMightLoop,
			attribute.Int("current_depth", req.Depth),
			attribute.Int("unique_operations", unique),
		)
		s.logger.Debug("Result might trigger loop", map[string]interface{}{
			"trace_id":          traceID,
			"signature":         decision.Key,
			"current_depth":     req.Depth,
			"unique_operations": unique,
		})
	}
	return step, nil
}

func (s *Service) cached(ctx context.Context, key, operation string) (Result, bool) {
	if s.cache == nil {
		return Result{}, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil || raw == "" {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		s.logger.Warn("Discarding unreadable cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		_ = s.cache.Delete(ctx, key)
		return Result{}, false
	}
	telemetry.Counter(telemetry.MetricSearchCacheHits, "operation", operation)
	return res, true
}

func (s *Service) store(ctx context.Context, key string, res Result) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(raw), s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache result", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (s *Service) traceIDFrom(ctx context.Context) string {
	if tc := telemetry.GetTraceContext(ctx); tc.TraceID != "" {
		return tc.TraceID
	}
	return s.newID()
}

// mightTriggerLoop reports results that ask for another round, and
// follow-ups on a trace that is already deep.
func mightTriggerLoop(res Result, traceDepth int) bool {
	if res.Continue || res.Recurse {
		return true
	}
	return len(res.FollowUps) > 0 && traceDepth > hintDepth
}
