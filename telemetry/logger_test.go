package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T, format string) (*TelemetryLogger, *bytes.Buffer) {
	t.Helper()
	logger := createTelemetryLogger("loopwatch-test")
	logger.SetFormat(format)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestTelemetryLoggerText(t *testing.T) {
	logger, buf := newBufferedLogger(t, "text")

	fields := map[string]interface{}{
		"metric": "memory.operations",
		"error":  "connection refused",
		"action": "check collector",
	}
	logger.Warn("Failed to emit metric", fields)

	line := buf.String()
	assert.Contains(t, line, "[WARN] [telemetry:loopwatch-test] Failed to emit metric")
	assert.Contains(t, line, `error="connection refused"`)
	assert.Contains(t, line, "metric=memory.operations")
	assert.Less(t, strings.Index(line, "error="), strings.Index(line, "metric="), "error is written first")
	assert.Len(t, fields, 3, "fields are not modified")
}

func TestTelemetryLoggerJSON(t *testing.T) {
	logger, buf := newBufferedLogger(t, "json")

	logger.Info("Telemetry system initialized", map[string]interface{}{
		"declared_modules": 2,
		"level":            "spoofed",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "loopwatch-test", entry["service"])
	assert.Equal(t, "telemetry", entry["component"])
	assert.Equal(t, "Telemetry system initialized", entry["message"])
	assert.Equal(t, float64(2), entry["declared_modules"])
}

func TestTelemetryLoggerLevels(t *testing.T) {
	logger, buf := newBufferedLogger(t, "text")
	logger.SetLevel("warn")

	logger.Debug("debug", nil)
	logger.Info("info", nil)
	assert.Empty(t, buf.String())

	logger.Warn("warn", nil)
	assert.Contains(t, buf.String(), "[WARN]")

	buf.Reset()
	logger.SetLevel("debug")
	logger.Debug("visible", nil)
	assert.Contains(t, buf.String(), "[DEBUG]")
}

func TestTelemetryLoggerErrorRateLimit(t *testing.T) {
	logger, buf := newBufferedLogger(t, "text")
	logger.errorLimiter = NewRateLimiter(time.Hour)

	for i := 0; i < 5; i++ {
		logger.Error("exporter down", nil)
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "exporter down"))
}

func TestTelemetryLoggerEnvironment(t *testing.T) {
	t.Setenv("LOOPWATCH_LOG_LEVEL", "error")
	t.Setenv("LOOPWATCH_LOG_FORMAT", "json")
	t.Setenv("LOOPWATCH_DEBUG", "")
	t.Setenv("LOOPWATCH_TELEMETRY_DEBUG", "true")

	logger := createTelemetryLogger("svc")
	assert.Equal(t, "ERROR", logger.level)
	assert.Equal(t, "json", logger.format)
	assert.True(t, logger.debug)

	t.Setenv("LOOPWATCH_LOG_LEVEL", "verbose")
	t.Setenv("LOOPWATCH_TELEMETRY_DEBUG", "")
	logger = createTelemetryLogger("svc")
	assert.Equal(t, "INFO", logger.level, "unknown levels fall back to INFO")
	assert.False(t, logger.debug)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(time.Hour)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	open := NewRateLimiter(0)
	assert.True(t, open.Allow())
	assert.True(t, open.Allow())
}
