package telemetry

import (
	"time"

	"github.com/itsneelabh/loopwatch/core"
)

// Exporter names accepted by Config.TraceExporter and Config.MetricExporter.
const (
	ExporterOTLP       = "otlp"     // traces: OTLP/gRPC, metrics: OTLP/HTTP
	ExporterOTLPHTTP   = "otlphttp" // traces only
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus" // metrics only, scraped through MetricsHandler
	ExporterNone       = "none"
)

// Config configures the telemetry system
type Config struct {
	// Basic settings
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	Insecure       bool

	// Exporter selection
	TraceExporter  string
	MetricExporter string

	// Sampling configuration (parent based, ratio for root spans)
	SamplingRate float64

	// Cardinality control
	CardinalityLimit  int
	CardinalityLimits map[string]int // Per-label limits

	// Circuit breaker configuration
	CircuitBreaker CircuitConfig
}

// Profile represents a pre-configured telemetry profile
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// defaultCardinalityLimits bounds the labels that carry caller-supplied values.
var defaultCardinalityLimits = map[string]int{
	"operation": 50,
	"tool":      100,
	"provider":  20,
	"model":     50,
}

// Profiles contains pre-configured telemetry profiles
var Profiles = map[Profile]Config{
	ProfileDevelopment: {
		Enabled:          true,
		Environment:      "development",
		TraceExporter:    ExporterStdout,
		MetricExporter:   ExporterStdout,
		SamplingRate:     1.0,
		CardinalityLimit: 50000,
		CircuitBreaker: CircuitConfig{
			Enabled: false,
		},
	},
	ProfileStaging: {
		Enabled:          true,
		Environment:      "staging",
		Endpoint:         "otel-collector.staging:4317",
		Insecure:         true,
		TraceExporter:    ExporterOTLP,
		MetricExporter:   ExporterPrometheus,
		SamplingRate:     0.1,
		CardinalityLimit: 20000,
		CircuitBreaker: CircuitConfig{
			Enabled:      true,
			MaxFailures:  10,
			RecoveryTime: 15 * time.Second,
		},
	},
	ProfileProduction: {
		Enabled:          true,
		Environment:      "production",
		Endpoint:         "otel-collector.prod:4317", // Override with env var
		TraceExporter:    ExporterOTLP,
		MetricExporter:   ExporterOTLP,
		SamplingRate:     0.01,
		CardinalityLimit: 10000,
		CircuitBreaker: CircuitConfig{
			Enabled:      true,
			MaxFailures:  10,
			RecoveryTime: 30 * time.Second,
			HalfOpenMax:  5,
		},
		CardinalityLimits: map[string]int{
			"operation": 20,
			"tool":      50,
			"provider":  10,
			"model":     20,
		},
	},
}

// UseProfile returns a configuration based on a profile name
func UseProfile(profile Profile) Config {
	if config, ok := Profiles[profile]; ok {
		return config
	}
	// Default to development profile
	return Profiles[ProfileDevelopment]
}

// ConfigFrom maps the application telemetry section onto a profile.
// Development mode starts from ProfileDevelopment, everything else from
// ProfileProduction; explicit settings in cfg win.
func ConfigFrom(cfg core.TelemetryConfig, serviceName string, development bool) Config {
	base := UseProfile(ProfileProduction)
	if development {
		base = UseProfile(ProfileDevelopment)
	}
	out := base.WithOverrides(Config{
		ServiceName:    firstNonEmpty(cfg.ServiceName, serviceName),
		Endpoint:       cfg.Endpoint,
		TraceExporter:  cfg.TraceExporter,
		MetricExporter: cfg.MetricExporter,
		SamplingRate:   cfg.SamplingRate,
	})
	out.Enabled = cfg.Enabled
	out.Insecure = cfg.Insecure
	return out
}

// WithOverrides applies overrides to a config
func (c Config) WithOverrides(overrides Config) Config {
	// Override non-zero values
	if overrides.Enabled {
		c.Enabled = overrides.Enabled
	}
	if overrides.ServiceName != "" {
		c.ServiceName = overrides.ServiceName
	}
	if overrides.ServiceVersion != "" {
		c.ServiceVersion = overrides.ServiceVersion
	}
	if overrides.Environment != "" {
		c.Environment = overrides.Environment
	}
	if overrides.Endpoint != "" {
		c.Endpoint = overrides.Endpoint
	}
	if overrides.Insecure {
		c.Insecure = overrides.Insecure
	}
	if overrides.TraceExporter != "" {
		c.TraceExporter = overrides.TraceExporter
	}
	if overrides.MetricExporter != "" {
		c.MetricExporter = overrides.MetricExporter
	}
	if overrides.SamplingRate > 0 {
		c.SamplingRate = overrides.SamplingRate
	}
	if overrides.CardinalityLimit > 0 {
		c.CardinalityLimit = overrides.CardinalityLimit
	}
	if overrides.CardinalityLimits != nil {
		c.CardinalityLimits = overrides.CardinalityLimits
	}
	if overrides.CircuitBreaker.Enabled {
		c.CircuitBreaker = overrides.CircuitBreaker
	}

	return c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
