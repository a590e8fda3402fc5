package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(t *testing.T, logging LoggingConfig, dev DevelopmentConfig) (*ProductionLogger, *bytes.Buffer) {
	t.Helper()
	logger, ok := NewProductionLogger(logging, dev, "loopwatch").(*ProductionLogger)
	require.True(t, ok)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestProductionLoggerJSON(t *testing.T) {
	logger, buf := newBufferedLogger(t, LoggingConfig{Level: "info", Format: "json"}, DevelopmentConfig{})

	logger.Info("Loop detected", map[string]interface{}{
		"trace_id": "t-1",
		"category": "exact_repetition",
		"message":  "overwritten?",
		"error":    errors.New("boom"),
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "loopwatch", entry["service"])
	assert.Equal(t, "Loop detected", entry["message"], "reserved keys are not overwritten by fields")
	assert.Equal(t, "t-1", entry["trace_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.NotEmpty(t, entry["timestamp"])
	assert.NotContains(t, entry, "component")
}

func TestProductionLoggerText(t *testing.T) {
	logger, buf := newBufferedLogger(t, LoggingConfig{Level: "debug", Format: "text"}, DevelopmentConfig{})

	logger.WithComponent("patternsync").Warn("Sync failed", map[string]interface{}{"b": 2, "a": 1})

	line := buf.String()
	assert.Contains(t, line, "[WARN] [loopwatch/patternsync] Sync failed a=1 b=2")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestProductionLoggerLevels(t *testing.T) {
	logger, buf := newBufferedLogger(t, LoggingConfig{Level: "warn", Format: "text"}, DevelopmentConfig{})

	logger.Debug("debug", nil)
	logger.Info("info", nil)
	assert.Empty(t, buf.String())

	logger.Warn("warn", nil)
	logger.Error("error", nil)
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	t.Run("unknown level falls back to info", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LoggingConfig{Level: "verbose"}, DevelopmentConfig{})
		logger.Debug("hidden", nil)
		logger.Info("shown", nil)
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("debug logging overrides level", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LoggingConfig{Level: "error", Format: "json"}, DevelopmentConfig{DebugLogging: true})
		logger.Debug("visible", nil)
		assert.Contains(t, buf.String(), `"level":"DEBUG"`)
	})

	t.Run("pretty logs force text", func(t *testing.T) {
		logger, buf := newBufferedLogger(t, LoggingConfig{Level: "info", Format: "json"}, DevelopmentConfig{PrettyLogs: true})
		logger.Info("hello", nil)
		assert.Contains(t, buf.String(), "[INFO] [loopwatch] hello")
	})
}

func TestWithComponentSharesOutput(t *testing.T) {
	parent, buf := newBufferedLogger(t, LoggingConfig{Level: "info", Format: "json"}, DevelopmentConfig{})
	child := parent.WithComponent("loopdetect")

	child.Info("child", nil)
	parent.Info("parent", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "loopdetect", first["component"])
	assert.NotContains(t, second, "component")
}

func TestComponentLogger(t *testing.T) {
	assert.IsType(t, &NoOpLogger{}, ComponentLogger(nil, "memory"))

	plain := &NoOpLogger{}
	assert.Same(t, plain, ComponentLogger(plain, "memory"))

	parent, buf := newBufferedLogger(t, LoggingConfig{Level: "info", Format: "text"}, DevelopmentConfig{})
	ComponentLogger(parent, "memory").Info("tagged", nil)
	assert.Contains(t, buf.String(), "[loopwatch/memory] tagged")
}
