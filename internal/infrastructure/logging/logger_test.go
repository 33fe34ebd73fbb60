package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler_AddsRequestScope(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Output: &buf, ServiceName: "labnotify", Environment: "test"})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRole(ctx, "lab")
	logger.InfoContext(ctx, "hello")

	entry := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "labnotify", entry["service"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "user-1", entry["user_id"])
	assert.Equal(t, "lab", entry["role"])
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithRole(WithRequestID(context.Background(), "req-2"), "doctor")
	LoggerFromContext(ctx, base).Info("session")

	entry := map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-2", entry["request_id"])
	assert.Equal(t, "doctor", entry["role"])

	assert.Same(t, base, LoggerFromContext(context.Background(), base))
}
