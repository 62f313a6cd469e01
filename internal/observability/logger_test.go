package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/config"
)

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LogConfig{Level: "info", Format: "json"}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	var parsed map[string]any
	err := json.Unmarshal(buf.Bytes(), &parsed)
	require.NoError(t, err)
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LogConfig{Level: "info", Format: "text"}

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warn does not log info", "warn", slog.LevelInfo, false},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"error logs at error level", "error", slog.LevelError, true},
		{"unknown level defaults to info", "bogus", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := config.LogConfig{Level: tt.configLevel, Format: "json"}

			logger := NewLoggerWithWriter(cfg, &buf)
			logger.Log(context.Background(), tt.logLevel, "probe")

			if tt.shouldLog {
				assert.Contains(t, buf.String(), "probe")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestScopedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)

	WithComponent(logger, "feeder").Info("a")
	WithStreamID(logger, "edge-1-abcd").Info("b")
	WithSessionID(logger, "cam1_2026").Info("c")
	WithConnID(logger, "01J0").Info("d")

	out := buf.String()
	assert.Contains(t, out, `"component":"feeder"`)
	assert.Contains(t, out, `"stream_id":"edge-1-abcd"`)
	assert.Contains(t, out, `"session_id":"cam1_2026"`)
	assert.Contains(t, out, `"conn_id":"01J0"`)
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)

	WithError(logger, errors.New("boom")).Info("failed")
	assert.Contains(t, buf.String(), `"error":"boom"`)

	buf.Reset()
	WithError(logger, nil).Info("fine")
	assert.NotContains(t, buf.String(), `"error"`)
}

func TestContextLogger(t *testing.T) {
	logger := slog.Default().With(slog.String("marker", "x"))
	ctx := ContextWithLogger(context.Background(), logger)

	assert.Same(t, logger, LoggerFromContext(ctx))
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)

	done := TimedOperation(context.Background(), logger, "model_load")
	done()

	out := buf.String()
	assert.Contains(t, out, "operation started")
	assert.Contains(t, out, "operation completed")
	assert.Contains(t, out, `"operation":"model_load"`)
}

func TestTimedOperationWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf)

	var err error
	done := TimedOperationWithError(context.Background(), logger, "open_session", &err)
	err = errors.New("store unreachable")
	done()

	out := buf.String()
	assert.Contains(t, out, "operation failed")
	assert.Contains(t, out, "store unreachable")
}
