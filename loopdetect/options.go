package loopdetect

import (
	"fmt"
	"time"

	"github.com/itsneelabh/loopwatch/core"
)

// Config holds the detector thresholds. DefaultConfig mirrors the defaults of
// core.LoopDetectionConfig.
type Config struct {
	MaxDepth           int
	MaxRepeats         int
	TimeWindow         time.Duration
	RapidWindow        time.Duration
	RapidThreshold     int
	CircularScanWindow int
	MaxHistory         int
	AutoPromote        bool
	PatternTTL         time.Duration
	MaxPatterns        int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:           10,
		MaxRepeats:         5,
		TimeWindow:         60 * time.Second,
		RapidWindow:        5 * time.Second,
		RapidThreshold:     3,
		CircularScanWindow: 10,
		MaxHistory:         1000,
		AutoPromote:        true,
		MaxPatterns:        10000,
	}
}

// ConfigFrom converts the application-level configuration.
func ConfigFrom(c core.LoopDetectionConfig) Config {
	cfg := Config{
		MaxDepth:           c.MaxDepth,
		MaxRepeats:         c.MaxRepeats,
		TimeWindow:         c.TimeWindow,
		RapidWindow:        c.RapidWindow,
		RapidThreshold:     c.RapidThreshold,
		CircularScanWindow: c.CircularScanWindow,
		MaxHistory:         c.MaxHistory,
		AutoPromote:        c.AutoPromote,
		PatternTTL:         c.PatternTTL,
		MaxPatterns:        c.MaxPatterns,
	}
	if cfg.RapidWindow <= 0 {
		cfg.RapidWindow = 5 * time.Second
	}
	if cfg.CircularScanWindow <= 0 {
		cfg.CircularScanWindow = 10
	}
	return cfg
}

func (c Config) rules() Rules {
	return Rules{
		MaxDepth:           c.MaxDepth,
		MaxRepeats:         c.MaxRepeats,
		RapidWindow:        c.RapidWindow,
		RapidThreshold:     c.RapidThreshold,
		CircularScanWindow: c.CircularScanWindow,
		MaxHistory:         c.MaxHistory,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxDepth <= 0:
		return invalidOption(fmt.Sprintf("max depth must be positive: %d", c.MaxDepth))
	case c.MaxRepeats <= 0:
		return invalidOption(fmt.Sprintf("max repeats must be positive: %d", c.MaxRepeats))
	case c.TimeWindow <= 0:
		return invalidOption(fmt.Sprintf("time window must be positive: %s", c.TimeWindow))
	case c.RapidThreshold < 2:
		return invalidOption(fmt.Sprintf("rapid threshold must be at least 2: %d", c.RapidThreshold))
	case c.RapidWindow <= 0:
		return invalidOption(fmt.Sprintf("rapid window must be positive: %s", c.RapidWindow))
	case c.CircularScanWindow < 2*minCycleLength:
		return invalidOption(fmt.Sprintf("circular scan window must be at least %d: %d", 2*minCycleLength, c.CircularScanWindow))
	case c.MaxHistory < 0 || c.MaxPatterns < 0 || c.PatternTTL < 0:
		return invalidOption("max history, max patterns and pattern ttl must not be negative")
	}
	return nil
}

func invalidOption(msg string) error {
	return &core.FrameworkError{
		Op:      "loopdetect.New",
		Kind:    "config",
		Message: msg,
		Err:     core.ErrInvalidConfiguration,
	}
}

type options struct {
	config   Config
	logger   core.Logger
	sinks    []Sink
	clock    func() time.Time
	patterns *PatternRegistry
}

// Option configures a Detector.
type Option func(*options) error

// WithConfig replaces all thresholds at once.
func WithConfig(cfg Config) Option {
	return func(o *options) error {
		o.config = cfg
		return nil
	}
}

// WithMaxDepth sets the depth at which chains are cut.
func WithMaxDepth(depth int) Option {
	return func(o *options) error {
		o.config.MaxDepth = depth
		return nil
	}
}

// WithMaxRepeats sets the number of occurrences of one signature that
// counts as exact repetition.
func WithMaxRepeats(repeats int) Option {
	return func(o *options) error {
		o.config.MaxRepeats = repeats
		return nil
	}
}

// WithTimeWindow sets how long per-trace state is retained.
func WithTimeWindow(window time.Duration) Option {
	return func(o *options) error {
		o.config.TimeWindow = window
		return nil
	}
}

// WithRapidWindow sets the window of the rapid repetition rule.
func WithRapidWindow(window time.Duration) Option {
	return func(o *options) error {
		if window <= 0 {
			return invalidOption(fmt.Sprintf("rapid window must be positive: %s", window))
		}
		o.config.RapidWindow = window
		return nil
	}
}

// WithRapidThreshold sets how many sightings of one fingerprint inside the
// rapid window count as a loop.
func WithRapidThreshold(threshold int) Option {
	return func(o *options) error {
		o.config.RapidThreshold = threshold
		return nil
	}
}

// WithMaxHistory caps the signatures retained per trace. Zero is unbounded.
func WithMaxHistory(n int) Option {
	return func(o *options) error {
		o.config.MaxHistory = n
		return nil
	}
}

// WithAutoPromote toggles promotion of looping signatures to the global registry.
func WithAutoPromote(enabled bool) Option {
	return func(o *options) error {
		o.config.AutoPromote = enabled
		return nil
	}
}

// WithPatternEviction bounds the global registry by age and size.
func WithPatternEviction(ttl time.Duration, maxPatterns int) Option {
	return func(o *options) error {
		o.config.PatternTTL = ttl
		o.config.MaxPatterns = maxPatterns
		return nil
	}
}

// WithPatternRegistry shares an existing registry, e.g. between detectors in
// one process. Eviction settings of the shared registry win.
func WithPatternRegistry(r *PatternRegistry) Option {
	return func(o *options) error {
		o.patterns = r
		return nil
	}
}

// WithLogger sets the logger. Component-aware loggers are tagged "loopdetect".
func WithLogger(logger core.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithSink adds an observer that receives every decision.
func WithSink(sink Sink) Option {
	return func(o *options) error {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) error {
		if clock == nil {
			return invalidOption("clock must not be nil")
		}
		o.clock = clock
		return nil
	}
}
