package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level, format string) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger, err := NewLogger(&Config{
		Level:       level,
		Format:      format,
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)
	logger.SetOutput(&buf)
	return logger, &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
		},
		{
			name:    "invalid log level",
			config:  &Config{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  &Config{Level: "info", Format: "invalid", Output: "stdout"},
			wantErr: true,
		},
		{
			name:   "nil config uses defaults",
			config: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	ctx = WithRunID(ctx, "run-42")

	logger.WithContext(ctx).Info("test message")

	entry := decode(t, buf)
	assert.Equal(t, "test-correlation-id", entry["correlation_id"])
	assert.Equal(t, "run-42", entry["run_id"])
	assert.Equal(t, "test-service", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "test message", entry["message"])
}

func TestLogger_LogSyncEvent(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	ctx := WithRunID(context.Background(), "run-1")
	logger.LogSyncEvent(ctx, "target_synced", "qa-golden", logrus.Fields{
		"records": 12,
	})

	entry := decode(t, buf)
	assert.Equal(t, "target_synced", entry["event"])
	assert.Equal(t, "qa-golden", entry["dataset"])
	assert.Equal(t, float64(12), entry["records"])
	assert.Equal(t, "run-1", entry["run_id"])
}

func TestLogger_LogBatchProgress(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	logger.LogBatchProgress(context.Background(), 10, 25, 8, 1, 1)

	entry := decode(t, buf)
	assert.Equal(t, "Batch progress", entry["message"])
	assert.Equal(t, float64(10), entry["completed"])
	assert.Equal(t, float64(25), entry["total"])
	assert.Equal(t, float64(1), entry["skipped"])
}

func TestLogger_LogBreakerTransition(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	logger.LogBreakerTransition("upstream", "CLOSED", "OPEN", nil)

	entry := decode(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "upstream", entry["breaker"])
	assert.Equal(t, "OPEN", entry["to"])
}

func TestLogger_LogRequest(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	ctx := WithCorrelationID(context.Background(), "test-correlation-id")
	logger.LogRequest(ctx, "GET", "/api/v1/sync/status", "test-agent", "127.0.0.1", 200, 100*time.Millisecond)

	entry := decode(t, buf)
	assert.Equal(t, "GET", entry["http_method"])
	assert.Equal(t, "/api/v1/sync/status", entry["http_path"])
	assert.Equal(t, float64(200), entry["http_status"])
	assert.Equal(t, float64(100), entry["response_time_ms"])
}

func TestLogger_LogError(t *testing.T) {
	logger, buf := newTestLogger(t, "debug", "json")

	logger.LogError(context.Background(), assert.AnError, "test error message", logrus.Fields{
		"component": "scheduler",
	})

	entry := decode(t, buf)
	assert.Equal(t, "test error message", entry["message"])
	assert.Equal(t, assert.AnError.Error(), entry["error"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.Contains(t, entry, "stack_trace")
}

func TestLogger_KeyValueHelpers(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "json")

	logger.Warn("retrying", "attempt", 2, "error", assert.AnError, "dangling")

	entry := decode(t, buf)
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, assert.AnError.Error(), entry["error"])
	assert.NotContains(t, entry, "dangling")
}

func TestCorrelationIDFunctions(t *testing.T) {
	id1 := NewCorrelationID()
	id2 := NewCorrelationID()
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	ctx := WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))
	assert.Empty(t, GetRunID(context.Background()))
}

func TestLogger_TextFormat(t *testing.T) {
	logger, buf := newTestLogger(t, "info", "text")

	logger.WithFields(logrus.Fields{
		"test_field": "test_value",
	}).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "test_field=test_value")
	assert.Contains(t, output, "service=test-service")
}

func BenchmarkLogger_WithContext(b *testing.B) {
	logger, err := NewLogger(&Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(b, err)
	logger.SetOutput(&bytes.Buffer{})

	ctx := WithRunID(context.Background(), "run")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithContext(ctx).Info("benchmark message")
	}
}
