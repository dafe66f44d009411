package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zookeeper-run/zoo/internal/engine"
)

func descriptorWithSchema() *engine.ToolDescriptor {
	return &engine.ToolDescriptor{
		Name: "search",
		Schema: map[string]any{
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []any{"query"},
		},
	}
}

func TestValidateArgsUnknownTool(t *testing.T) {
	r := engine.NewRecovery()
	registry := engine.NewRegistry()

	reason := r.ValidateArgs(engine.ToolCall{Name: "ghost"}, registry)
	assert.Contains(t, reason, "unknown tool")
}

func TestValidateArgsMissingRequired(t *testing.T) {
	r := engine.NewRecovery()
	registry := engine.NewRegistry()
	registry.Register(descriptorWithSchema())

	reason := r.ValidateArgs(engine.ToolCall{Name: "search", Arguments: map[string]any{}}, registry)
	assert.Contains(t, reason, "query")
}

func TestValidateArgsTypeMismatch(t *testing.T) {
	r := engine.NewRecovery()
	registry := engine.NewRegistry()
	registry.Register(descriptorWithSchema())

	reason := r.ValidateArgs(engine.ToolCall{Name: "search", Arguments: map[string]any{"query": "go", "limit": "not a number"}}, registry)
	assert.Contains(t, reason, "limit")
}

func TestValidateArgsSuccess(t *testing.T) {
	r := engine.NewRecovery()
	registry := engine.NewRegistry()
	registry.Register(descriptorWithSchema())

	reason := r.ValidateArgs(engine.ToolCall{Name: "search", Arguments: map[string]any{"query": "go"}}, registry)
	assert.Empty(t, reason)
}

func TestRecoveryRetryBookkeeping(t *testing.T) {
	r := engine.NewRecovery()
	r.MaxRetries = 2

	assert.True(t, r.CanRetry("search"))
	r.RecordRetry("search")
	assert.True(t, r.CanRetry("search"))
	r.RecordRetry("search")
	assert.False(t, r.CanRetry("search"))

	r.Reset()
	assert.True(t, r.CanRetry("search"))
	assert.Equal(t, 0, r.AttemptCount("search"))
}

func TestRetryMessageIncludesReasonAndToolName(t *testing.T) {
	msg := engine.RetryMessage("search", "missing required argument \"query\"")
	assert.Contains(t, msg, "search")
	assert.Contains(t, msg, "query")
}
