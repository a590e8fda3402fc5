package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/loopwatch/core"
)

var (
	// globalRegistry holds the singleton Registry instance.
	// atomic.Value gives lock-free reads on the emission path; it is written
	// by Initialize and Shutdown only.
	globalRegistry atomic.Value // *Registry

	// initOnce ensures Initialize() can only succeed once.
	initOnce sync.Once

	// declaredMetrics stores metric declarations from init() functions so
	// packages can declare metrics before Initialize runs.
	declaredMetrics sync.Map // map[string]ModuleConfig

	// Internal health metrics tracked atomically for thread-safety
	telemetryErrors  atomic.Int64 // Total errors encountered
	telemetryDropped atomic.Int64 // Metrics dropped due to limits
)

// ModuleConfig represents metric configuration for a module
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition defines a metric's metadata
type MetricDefinition struct {
	Name   string
	Type   string // counter, histogram, updowncounter
	Help   string
	Labels []string
	Unit   string
}

// Registry manages all telemetry components.
// It coordinates the provider, circuit breaker and cardinality limiter and
// provides a single emission path.
type Registry struct {
	config   Config
	provider *OTelProvider            // OpenTelemetry provider for export
	limiter  *CardinalityLimiter      // Prevents metric explosion
	circuit  *TelemetryCircuitBreaker // Protects backend from overload
	logger   *TelemetryLogger         // Self-contained logger for telemetry operations

	emitted   atomic.Int64 // Total metrics successfully emitted
	startTime time.Time
	lastError atomic.Value // string

	// errorLimiter keeps a failing backend from flooding the logs
	errorLimiter *RateLimiter
}

// DeclareMetrics registers metric definitions for a module.
// It is safe to call from init() before Initialize().
//
// Example:
//
//	func init() {
//	    telemetry.DeclareMetrics("memory", telemetry.ModuleConfig{
//	        Metrics: []telemetry.MetricDefinition{
//	            {Name: "memory.search.cache_hits", Type: "counter"},
//	        },
//	    })
//	}
func DeclareMetrics(module string, config ModuleConfig) {
	declaredMetrics.Store(module, config)
}

// Initialize activates the telemetry system with the given configuration.
// Only the first call takes effect; later calls return the first result.
//
// Initialize performs the following:
//  1. Creates the OpenTelemetry provider and exporters
//  2. Sets up the circuit breaker (if configured)
//  3. Initializes the cardinality limiter
//  4. Pre-creates every declared metric
//  5. Stores the registry globally for use by Emit functions
//
// A disabled configuration still installs a registry, backed by no-op
// exporters, so emission stays cheap and health reports "disabled".
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		logger := NewTelemetryLogger(config.ServiceName)

		logger.Info("Telemetry initialization starting", map[string]interface{}{
			"service_name":      config.ServiceName,
			"endpoint":          config.Endpoint,
			"trace_exporter":    config.TraceExporter,
			"metric_exporter":   config.MetricExporter,
			"cardinality_limit": config.CardinalityLimit,
			"circuit_enabled":   config.CircuitBreaker.Enabled,
		})

		registry, err := newRegistry(context.Background(), config)
		if err != nil {
			initErr = err
			logger.Error("Telemetry initialization failed", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": config.Endpoint,
				"action":   "Check exporter configuration and collector endpoint",
				"impact":   "No telemetry will be exported",
			})
			return
		}
		registry.logger = logger

		declaredCount := 0
		declaredMetrics.Range(func(key, value interface{}) bool {
			module := key.(string)
			moduleConfig := value.(ModuleConfig)
			registry.registerModule(module, moduleConfig)
			declaredCount++
			logger.Debug("Registered module metrics", map[string]interface{}{
				"module":       module,
				"metric_count": len(moduleConfig.Metrics),
			})
			return true
		})

		globalRegistry.Store(registry)
		logger.EnableMetrics()

		logger.Info("Telemetry system initialized successfully", map[string]interface{}{
			"declared_modules":  declaredCount,
			"circuit_enabled":   registry.circuit != nil,
			"limiter_enabled":   registry.limiter != nil,
			"initialization_ms": time.Since(registry.startTime).Milliseconds(),
		})
	})
	return initErr
}

// newRegistry creates a new telemetry registry
func newRegistry(ctx context.Context, config Config) (*Registry, error) {
	startTime := time.Now()

	if config.ServiceName == "" {
		config.ServiceName = "loopwatch"
	}
	if config.CardinalityLimit == 0 {
		config.CardinalityLimit = 10000
	}
	if !config.Enabled {
		config.TraceExporter = ExporterNone
		config.MetricExporter = ExporterNone
	}

	provider, err := NewOTelProvider(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel provider: %w", err)
	}

	limits := config.CardinalityLimits
	if limits == nil {
		limits = defaultCardinalityLimits
	}

	r := &Registry{
		config:       config,
		provider:     provider,
		limiter:      NewCardinalityLimiter(limits),
		circuit:      NewTelemetryCircuitBreaker(config.CircuitBreaker),
		startTime:    startTime,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
	r.lastError.Store("")

	return r, nil
}

// registerModule pre-creates the instruments a module declared.
func (r *Registry) registerModule(_ string, config ModuleConfig) {
	ctx := context.Background()
	for _, def := range config.Metrics {
		switch def.Type {
		case "counter":
			_ = r.provider.metrics.RecordFloatCounter(ctx, def.Name, 0)
		case "histogram":
			_ = r.provider.metrics.RecordHistogram(ctx, def.Name, 0)
		case "updowncounter":
			_ = r.provider.metrics.RecordUpDownCounter(ctx, def.Name, 0)
		}
	}
}

// emit handles metric emission with all safety checks
func (r *Registry) emit(ctx context.Context, kind metricKind, name string, value float64, labels map[string]string) error {
	if r.circuit != nil && !r.circuit.Allow() {
		telemetryDropped.Add(1)
		return fmt.Errorf("telemetry circuit breaker open")
	}

	if r.limiter != nil {
		for key, val := range labels {
			if limited := r.limiter.CheckAndLimit(name, key, val); limited != val {
				labels[key] = limited
			}
		}
	}

	if err := r.provider.record(ctx, kind, name, value, labels); err != nil {
		return err
	}
	r.emitted.Add(1)
	r.circuit.RecordSuccess()
	return nil
}

func emitKind(ctx context.Context, kind metricKind, name string, value float64, labels []string) {
	registry := globalRegistry.Load()
	if registry == nil {
		return
	}
	r, ok := registry.(*Registry)
	if !ok || r == nil {
		return
	}

	if err := r.emit(ctx, kind, name, value, parseLabels(labels...)); err != nil {
		telemetryErrors.Add(1)
		r.lastError.Store(err.Error())

		if r.logger != nil && r.errorLimiter.Allow() {
			r.logger.Error("Failed to emit metric", map[string]interface{}{
				"metric": name,
				"value":  value,
				"error":  err.Error(),
			})
		}
		r.circuit.RecordFailure()
	}
}

// Emit records value into the histogram called name. Labels are key/value
// pairs. Emit is a no-op until Initialize has run.
func Emit(name string, value float64, labels ...string) {
	emitKind(context.Background(), kindHistogram, name, value, labels)
}

// EmitWithContext is Emit with a context for exemplar correlation.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	emitKind(ctx, kindHistogram, name, value, labels)
}

// parseLabels converts "k1", "v1", "k2", "v2" into a map. A trailing
// unpaired key is ignored.
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i < len(labels)-1; i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// Shutdown gracefully shuts down the telemetry system
func Shutdown(ctx context.Context) error {
	registry := globalRegistry.Load()
	if registry == nil {
		return nil
	}
	r, ok := registry.(*Registry)
	if !ok || r == nil {
		return nil
	}

	if r.logger != nil {
		r.logger.Info("Shutting down telemetry system", map[string]interface{}{
			"total_emitted": r.emitted.Load(),
			"uptime_ms":     time.Since(r.startTime).Milliseconds(),
		})
	}

	if r.limiter != nil {
		r.limiter.Stop()
	}

	// Clear the global first so concurrent Emit calls become no-ops.
	globalRegistry.Store((*Registry)(nil))

	if err := r.provider.Shutdown(ctx); err != nil {
		if r.logger != nil {
			r.logger.Error("Error during provider shutdown", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("Telemetry system shut down complete", nil)
	}
	return nil
}

// GetRegistry returns the current registry, or nil before Initialize.
func GetRegistry() *Registry {
	r := globalRegistry.Load()
	if r == nil {
		return nil
	}
	registry, _ := r.(*Registry)
	return registry
}

// Provider returns the registry's OpenTelemetry provider.
func (r *Registry) Provider() *OTelProvider {
	return r.provider
}

// GetProvider returns the global OTelProvider, or nil before Initialize.
func GetProvider() *OTelProvider {
	if r := GetRegistry(); r != nil {
		return r.provider
	}
	return nil
}

// GetTelemetryProvider returns the global provider as core.Telemetry, or
// nil before Initialize.
//
// Example:
//
//	if provider := telemetry.GetTelemetryProvider(); provider != nil {
//	    service.SetTelemetry(provider)
//	}
func GetTelemetryProvider() core.Telemetry {
	if p := GetProvider(); p != nil {
		return p
	}
	return nil
}
