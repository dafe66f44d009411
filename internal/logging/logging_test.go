package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	logger := New(Config{})
	require.NotNil(t, logger)
}

func TestLogJSONIncludesTurnAndTool(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json", Output: &buf})

	ctx := WithTurnID(context.Background(), "turn-1")
	ctx = WithTool(ctx, "search")
	logger.Info(ctx, "dispatching tool call", "iteration", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "turn-1", record["turn_id"])
	assert.Equal(t, "search", record["tool"])
	assert.Equal(t, "dispatching tool call", record["msg"])
}

func TestLogRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "text", Output: &buf})

	logger.Info(context.Background(), "connecting", "api_key=sk-ant-"+strings.Repeat("a", 100))

	out := buf.String()
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, strings.Repeat("a", 100))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "text", Output: &buf})

	logger.Info(context.Background(), "should not appear")
	assert.Empty(t, buf.String())

	logger.Warn(context.Background(), "should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "json", Output: &buf}).With("component", "agent")

	logger.Info(context.Background(), "starting")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "agent", record["component"])
}
