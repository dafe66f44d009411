package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zookeeper-run/zoo/internal/engine"
)

func TestRegistryRegisterGetUnregister(t *testing.T) {
	r := engine.NewRegistry()
	d := &engine.ToolDescriptor{Name: "echo", Handler: func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	}}
	r.Register(d)

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, d, got)
	assert.True(t, r.Has("echo"))

	r.Unregister("echo")
	assert.False(t, r.Has("echo"))
}

func TestParseToolCallFindsFirstBalancedObject(t *testing.T) {
	text := `prefix {"name":"lookup","arguments":{"id":1}} suffix {"name":"second","arguments":{}}`
	call, ok := engine.ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "lookup", call.Name)
}

func TestParseToolCallHonorsStringEscapes(t *testing.T) {
	text := `{"name":"say","arguments":{"text":"a \"quoted\" brace } inside"}}`
	call, ok := engine.ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "say", call.Name)
	assert.Equal(t, `a "quoted" brace } inside`, call.Arguments["text"])
}

func TestParseToolCallRejectsMissingFields(t *testing.T) {
	_, ok := engine.ParseToolCall(`{"name":"lookup"}`)
	assert.False(t, ok)

	_, ok = engine.ParseToolCall(`{"arguments":{}}`)
	assert.False(t, ok)
}

func TestParseToolCallSkipsUnbalancedBraceAndKeepsScanning(t *testing.T) {
	text := `see the { in this sentence, then {"name":"lookup","arguments":{"id":1}}`
	call, ok := engine.ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "lookup", call.Name)
}
