package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricTelemetryLogs counts WARN and ERROR lines written by the telemetry
// logger once the registry is up.
const MetricTelemetryLogs = "loopwatch.telemetry.logs"

// TelemetryLogger is the logger used inside this package. It does not depend
// on core.Logger so the telemetry layer can report its own failures before
// the application logger exists.
//
// Configuration comes from LOOPWATCH_LOG_LEVEL, LOOPWATCH_DEBUG,
// LOOPWATCH_TELEMETRY_DEBUG and LOOPWATCH_LOG_FORMAT. Inside Kubernetes the
// format defaults to json.
type TelemetryLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	// Max one ERROR line per second
	errorLimiter *RateLimiter

	metricsEnabled bool
}

var (
	telemetryLogger     *TelemetryLogger
	telemetryLoggerOnce sync.Once
)

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// NewTelemetryLogger returns the package logger, creating it on first use
// with serviceName.
func NewTelemetryLogger(serviceName string) *TelemetryLogger {
	telemetryLoggerOnce.Do(func() {
		telemetryLogger = createTelemetryLogger(serviceName)
	})
	return telemetryLogger
}

// GetLogger returns the package logger.
func GetLogger() *TelemetryLogger {
	telemetryLoggerOnce.Do(func() {
		serviceName := "telemetry"
		if r := GetRegistry(); r != nil && r.config.ServiceName != "" {
			serviceName = r.config.ServiceName
		}
		telemetryLogger = createTelemetryLogger(serviceName)
	})
	return telemetryLogger
}

func createTelemetryLogger(serviceName string) *TelemetryLogger {
	level := strings.ToUpper(os.Getenv("LOOPWATCH_LOG_LEVEL"))
	if _, ok := logLevels[level]; !ok {
		level = "INFO"
	}

	debug := os.Getenv("LOOPWATCH_DEBUG") == "true" ||
		os.Getenv("LOOPWATCH_TELEMETRY_DEBUG") == "true" ||
		level == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("LOOPWATCH_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &TelemetryLogger{
		level:        level,
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

func (l *TelemetryLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *TelemetryLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error is rate limited to one line per second.
func (l *TelemetryLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug only writes when debug mode is on.
func (l *TelemetryLogger) Debug(msg string, fields map[string]interface{}) {
	l.mu.RLock()
	debug := l.debug
	l.mu.RUnlock()
	if !debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *TelemetryLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	if !l.shouldLog(level) {
		l.mu.RUnlock()
		return
	}
	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
	metricsEnabled := l.metricsEnabled
	l.mu.RUnlock()

	// Outside the lock: emission can log on failure.
	if metricsEnabled && (level == "WARN" || level == "ERROR") {
		emitKind(context.Background(), kindCounter, MetricTelemetryLogs, 1, []string{
			"level", level,
			"service", l.serviceName,
		})
	}
}

func (l *TelemetryLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": "telemetry",
		"message":   msg,
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

// logText writes error, action and impact first, then the remaining fields
// in key order. fields is not modified.
func (l *TelemetryLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	leading := []string{"error", "action", "impact"}
	for _, k := range leading {
		if v, ok := fields[k]; ok {
			fmt.Fprintf(&b, " %s=%q", k, fmt.Sprint(v))
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "error" && k != "action" && k != "impact" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}

	fmt.Fprintf(l.output, "%s [%s] [telemetry:%s] %s%s\n",
		timestamp, level, l.serviceName, msg, b.String())
}

// shouldLog must be called with l.mu held.
func (l *TelemetryLogger) shouldLog(level string) bool {
	current, ok1 := logLevels[l.level]
	message, ok2 := logLevels[level]
	if !ok1 || !ok2 {
		return true
	}
	return message >= current
}

// SetLevel changes the minimum level. DEBUG also turns debug mode on.
func (l *TelemetryLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

func (l *TelemetryLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

func (l *TelemetryLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// EnableMetrics is called by Initialize once the registry can take metrics.
func (l *TelemetryLogger) EnableMetrics() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metricsEnabled = true
}
