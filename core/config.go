package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for loopwatch.
// It supports layered configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables
//  3. Configuration file (when WithConfigFile is used)
//  4. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("memory-service"),
//	    WithMaxDepth(8),
//	    WithTelemetry(true, "localhost:4317"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name string `json:"name" yaml:"name" env:"LOOPWATCH_SERVICE_NAME" default:"loopwatch"`

	// Loop detection engine settings
	LoopDetection LoopDetectionConfig `json:"loop_detection" yaml:"loop_detection"`

	// Telemetry configuration (optional module)
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Cross-process pattern sharing through Redis (optional)
	PatternSync PatternSyncConfig `json:"pattern_sync" yaml:"pattern_sync"`

	// Memory service settings
	Memory MemoryConfig `json:"memory" yaml:"memory"`

	// HTTP server used by `loopwatch serve`
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Development configuration
	Development DevelopmentConfig `json:"development" yaml:"development"`
}

// LoopDetectionConfig configures the detector thresholds and retention.
// Zero durations in RapidWindow and PatternTTL have special meaning:
// RapidWindow falls back to 5s, PatternTTL of zero keeps patterns forever.
type LoopDetectionConfig struct {
	MaxDepth           int           `json:"max_depth" yaml:"max_depth" env:"LOOPWATCH_MAX_DEPTH" default:"10"`
	MaxRepeats         int           `json:"max_repeats" yaml:"max_repeats" env:"LOOPWATCH_MAX_REPEATS" default:"5"`
	TimeWindow         time.Duration `json:"time_window" yaml:"time_window" env:"LOOPWATCH_TIME_WINDOW" default:"60s"`
	RapidWindow        time.Duration `json:"rapid_window" yaml:"rapid_window" env:"LOOPWATCH_RAPID_WINDOW" default:"5s"`
	RapidThreshold     int           `json:"rapid_threshold" yaml:"rapid_threshold" env:"LOOPWATCH_RAPID_THRESHOLD" default:"3"`
	CircularScanWindow int           `json:"circular_scan_window" yaml:"circular_scan_window" default:"10"`
	MaxHistory         int           `json:"max_history" yaml:"max_history" env:"LOOPWATCH_MAX_HISTORY" default:"1000"`
	AutoPromote        bool          `json:"auto_promote" yaml:"auto_promote" env:"LOOPWATCH_AUTO_PROMOTE" default:"true"`
	PatternTTL         time.Duration `json:"pattern_ttl" yaml:"pattern_ttl" env:"LOOPWATCH_PATTERN_TTL" default:"0"`
	MaxPatterns        int           `json:"max_patterns" yaml:"max_patterns" env:"LOOPWATCH_MAX_PATTERNS" default:"10000"`
}

// TelemetryConfig contains observability configuration for metrics and distributed tracing.
// This is an optional module - telemetry is only initialized when Enabled=true.
//
// TraceExporter: "otlp" (gRPC), "otlphttp", "stdout" or "none".
// MetricExporter: "otlp" (HTTP), "prometheus", "stdout" or "none".
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" env:"LOOPWATCH_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint" env:"LOOPWATCH_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	TraceExporter  string  `json:"trace_exporter" yaml:"trace_exporter" env:"LOOPWATCH_TRACE_EXPORTER" default:"otlp"`
	MetricExporter string  `json:"metric_exporter" yaml:"metric_exporter" env:"LOOPWATCH_METRIC_EXPORTER" default:"otlp"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate" env:"LOOPWATCH_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" yaml:"insecure" env:"LOOPWATCH_TELEMETRY_INSECURE" default:"true"`
}

// PatternSyncConfig configures sharing of global loop patterns between
// processes through Redis. Disabled by default.
type PatternSyncConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" env:"LOOPWATCH_PATTERN_SYNC_ENABLED" default:"false"`
	RedisURL  string        `json:"redis_url" yaml:"redis_url" env:"LOOPWATCH_REDIS_URL,REDIS_URL"`
	Namespace string        `json:"namespace" yaml:"namespace" env:"LOOPWATCH_PATTERN_NAMESPACE" default:"loopwatch:patterns"`
	Interval  time.Duration `json:"interval" yaml:"interval" env:"LOOPWATCH_PATTERN_SYNC_INTERVAL" default:"15s"`
}

// MemoryConfig configures the memory search service.
type MemoryConfig struct {
	CacheTTL       time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"LOOPWATCH_MEMORY_CACHE_TTL" default:"5m"`
	MaxQueueLength int           `json:"max_queue_length" yaml:"max_queue_length" env:"LOOPWATCH_MEMORY_MAX_QUEUE" default:"256"`
}

// HTTPConfig configures the stats/health server.
type HTTPConfig struct {
	Address         string        `json:"address" yaml:"address" env:"LOOPWATCH_HTTP_ADDRESS" default:":9464"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" env:"LOOPWATCH_HTTP_READ_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"LOOPWATCH_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOOPWATCH_LOG_LEVEL" default:"info"`
	Format     string `json:"format" yaml:"format" env:"LOOPWATCH_LOG_FORMAT" default:"json"`
	Output     string `json:"output" yaml:"output" env:"LOOPWATCH_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" yaml:"time_format" env:"LOOPWATCH_LOG_TIME_FORMAT"`
}

// DevelopmentConfig contains settings for local development and testing.
//
// WARNING: Never enable development mode in production!
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled" env:"LOOPWATCH_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging" env:"LOOPWATCH_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs" env:"LOOPWATCH_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for configuring loopwatch.
// Options are applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "loopwatch",
		LoopDetection: LoopDetectionConfig{
			MaxDepth:           10,
			MaxRepeats:         5,
			TimeWindow:         60 * time.Second,
			RapidWindow:        5 * time.Second,
			RapidThreshold:     3,
			CircularScanWindow: 10,
			MaxHistory:         1000,
			AutoPromote:        true,
			MaxPatterns:        10000,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			TraceExporter:  "otlp",
			MetricExporter: "otlp",
			SamplingRate:   1.0,
			Insecure:       true,
		},
		PatternSync: PatternSyncConfig{
			Enabled:   false,
			Namespace: DefaultPatternNamespace,
			Interval:  15 * time.Second,
		},
		Memory: MemoryConfig{
			CacheTTL:       5 * time.Minute,
			MaxQueueLength: 256,
		},
		HTTP: HTTPConfig{
			Address:         ":9464",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by functional options.
//
// Variable naming convention:
//   - Project-specific: LOOPWATCH_<SETTING>
//   - Standard variables: REDIS_URL, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME
//
// Returns an error if a numeric or duration variable cannot be parsed.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvServiceName); v != "" {
		c.Name = v
	}

	// Loop detection
	if err := envInt("LOOPWATCH_MAX_DEPTH", &c.LoopDetection.MaxDepth); err != nil {
		return err
	}
	if err := envInt("LOOPWATCH_MAX_REPEATS", &c.LoopDetection.MaxRepeats); err != nil {
		return err
	}
	if err := envDuration("LOOPWATCH_TIME_WINDOW", &c.LoopDetection.TimeWindow); err != nil {
		return err
	}
	if err := envDuration("LOOPWATCH_RAPID_WINDOW", &c.LoopDetection.RapidWindow); err != nil {
		return err
	}
	if err := envInt("LOOPWATCH_RAPID_THRESHOLD", &c.LoopDetection.RapidThreshold); err != nil {
		return err
	}
	if err := envInt("LOOPWATCH_MAX_HISTORY", &c.LoopDetection.MaxHistory); err != nil {
		return err
	}
	if v := os.Getenv("LOOPWATCH_AUTO_PROMOTE"); v != "" {
		c.LoopDetection.AutoPromote = parseBool(v)
	}
	if err := envDuration("LOOPWATCH_PATTERN_TTL", &c.LoopDetection.PatternTTL); err != nil {
		return err
	}
	if err := envInt("LOOPWATCH_MAX_PATTERNS", &c.LoopDetection.MaxPatterns); err != nil {
		return err
	}

	// Telemetry settings
	if v := os.Getenv("LOOPWATCH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOOPWATCH_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true // Auto-enable if endpoint is provided
	} else if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("LOOPWATCH_TRACE_EXPORTER"); v != "" {
		c.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("LOOPWATCH_METRIC_EXPORTER"); v != "" {
		c.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("LOOPWATCH_TELEMETRY_SAMPLING_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LOOPWATCH_TELEMETRY_SAMPLING_RATE=%q: %w", v, ErrInvalidConfiguration)
		}
		c.Telemetry.SamplingRate = rate
	}
	if v := os.Getenv("LOOPWATCH_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}

	// Pattern sync
	if v := os.Getenv("LOOPWATCH_PATTERN_SYNC_ENABLED"); v != "" {
		c.PatternSync.Enabled = parseBool(v)
	}
	if v := os.Getenv("LOOPWATCH_REDIS_URL"); v != "" {
		c.PatternSync.RedisURL = v
	} else if v := os.Getenv(EnvRedisURL); v != "" {
		c.PatternSync.RedisURL = v
	}
	if v := os.Getenv("LOOPWATCH_PATTERN_NAMESPACE"); v != "" {
		c.PatternSync.Namespace = v
	}
	if err := envDuration("LOOPWATCH_PATTERN_SYNC_INTERVAL", &c.PatternSync.Interval); err != nil {
		return err
	}

	// Memory service
	if err := envDuration("LOOPWATCH_MEMORY_CACHE_TTL", &c.Memory.CacheTTL); err != nil {
		return err
	}
	if err := envInt("LOOPWATCH_MEMORY_MAX_QUEUE", &c.Memory.MaxQueueLength); err != nil {
		return err
	}

	// HTTP
	if v := os.Getenv("LOOPWATCH_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}

	// Logging settings
	if v := os.Getenv("LOOPWATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOOPWATCH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOOPWATCH_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}

	// Development settings
	if v := os.Getenv(EnvDevMode); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("LOOPWATCH_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
// Only fields present in the file are overwritten.
//
// Example YAML:
//
//	name: memory-service
//	loop_detection:
//	  max_depth: 8
//	  max_repeats: 3
//	  time_window: 2m
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- extension is validated
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}

	return nil
}

// MinTimeWindow is the shortest accepted loop_detection.time_window.
const MinTimeWindow = time.Second

// Validate checks if the configuration is valid and returns an error if not.
//
// Validation rules:
//   - Service name is required
//   - MaxDepth, MaxRepeats must be positive
//   - TimeWindow must be at least MinTimeWindow, RapidWindow must not exceed it
//   - RapidThreshold must be at least 2
//   - Telemetry endpoint is required when an OTLP exporter is enabled
//   - Redis URL is required when pattern sync is enabled
func (c *Config) Validate() error {
	if c.Name == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "service name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	ld := c.LoopDetection
	if ld.MaxDepth <= 0 {
		return invalidConfig(fmt.Sprintf("max_depth must be positive: %d", ld.MaxDepth))
	}
	if ld.MaxRepeats <= 0 {
		return invalidConfig(fmt.Sprintf("max_repeats must be positive: %d", ld.MaxRepeats))
	}
	if ld.TimeWindow < MinTimeWindow {
		return invalidConfig(fmt.Sprintf("time_window must be at least %s: %s", MinTimeWindow, ld.TimeWindow))
	}
	if ld.RapidWindow < 0 || ld.RapidWindow > ld.TimeWindow {
		return invalidConfig(fmt.Sprintf("rapid_window must be within [0, time_window]: %s", ld.RapidWindow))
	}
	if ld.RapidThreshold < 2 {
		return invalidConfig(fmt.Sprintf("rapid_threshold must be at least 2: %d", ld.RapidThreshold))
	}
	if ld.PatternTTL < 0 || ld.MaxPatterns < 0 || ld.MaxHistory < 0 {
		return invalidConfig("pattern_ttl, max_patterns and max_history must not be negative")
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" &&
		(c.Telemetry.TraceExporter == "otlp" || c.Telemetry.TraceExporter == "otlphttp" || c.Telemetry.MetricExporter == "otlp") {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required when an OTLP exporter is enabled",
			Err:     ErrMissingConfiguration,
		}
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return invalidConfig(fmt.Sprintf("sampling_rate must be within [0,1]: %v", c.Telemetry.SamplingRate))
	}

	if c.PatternSync.Enabled && c.PatternSync.RedisURL == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "redis URL is required when pattern sync is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	return nil
}

func invalidConfig(msg string) error {
	return &FrameworkError{
		Op:      "Config.Validate",
		Kind:    "config",
		Message: msg,
		Err:     ErrInvalidConfiguration,
	}
}

// Helper functions

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s=%q: %w", name, v, ErrInvalidConfiguration)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s=%q: %w", name, v, ErrInvalidConfiguration)
	}
	*dst = d
	return nil
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithName sets the service name used in logs and telemetry resources.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithMaxDepth sets the recursion depth at which max_depth_exceeded fires.
func WithMaxDepth(depth int) Option {
	return func(c *Config) error {
		if depth <= 0 {
			return invalidConfig(fmt.Sprintf("max_depth must be positive: %d", depth))
		}
		c.LoopDetection.MaxDepth = depth
		return nil
	}
}

// WithMaxRepeats sets the occurrence count at which exact_repetition fires.
func WithMaxRepeats(repeats int) Option {
	return func(c *Config) error {
		if repeats <= 0 {
			return invalidConfig(fmt.Sprintf("max_repeats must be positive: %d", repeats))
		}
		c.LoopDetection.MaxRepeats = repeats
		return nil
	}
}

// WithTimeWindow sets how long per-trace state is retained.
func WithTimeWindow(window time.Duration) Option {
	return func(c *Config) error {
		if window <= 0 {
			return invalidConfig(fmt.Sprintf("time_window must be positive: %s", window))
		}
		c.LoopDetection.TimeWindow = window
		return nil
	}
}

// WithAutoPromote toggles automatic promotion of looping signatures into the
// global pattern registry.
func WithAutoPromote(enabled bool) Option {
	return func(c *Config) error {
		c.LoopDetection.AutoPromote = enabled
		return nil
	}
}

// WithPatternEviction bounds the global pattern registry.
// A ttl of zero keeps patterns until they are evicted by the size bound.
func WithPatternEviction(ttl time.Duration, maxPatterns int) Option {
	return func(c *Config) error {
		c.LoopDetection.PatternTTL = ttl
		c.LoopDetection.MaxPatterns = maxPatterns
		return nil
	}
}

// WithTelemetry enables or disables telemetry with the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithExporters selects the trace and metric exporters.
func WithExporters(trace, metric string) Option {
	return func(c *Config) error {
		c.Telemetry.TraceExporter = trace
		c.Telemetry.MetricExporter = metric
		return nil
	}
}

// WithPatternSync enables sharing global patterns through Redis.
func WithPatternSync(redisURL string, interval time.Duration) Option {
	return func(c *Config) error {
		c.PatternSync.Enabled = true
		c.PatternSync.RedisURL = redisURL
		if interval > 0 {
			c.PatternSync.Interval = interval
		}
		return nil
	}
}

// WithHTTPAddress sets the listen address for `loopwatch serve`.
func WithHTTPAddress(addr string) Option {
	return func(c *Config) error {
		c.HTTP.Address = addr
		return nil
	}
}

// WithLogLevel sets the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the logging format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile loads configuration from a JSON or YAML file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDevelopmentMode enables human-readable debug logging.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Development.DebugLogging = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// NewConfig creates a new configuration with the given options.
//
// Example:
//
//	cfg, err := NewConfig(
//	    WithName("memory-service"),
//	    WithMaxRepeats(3),
//	)
//	if err != nil {
//	    return err
//	}
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
