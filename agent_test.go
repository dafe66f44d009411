package zoo_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zookeeper-run/zoo"
	"github.com/zookeeper-run/zoo/internal/backend"
	"github.com/zookeeper-run/zoo/internal/engine"
)

func newTestAgent(t *testing.T) (*zoo.Agent, *backend.Mock) {
	t.Helper()
	mock := backend.NewMock()
	agent, err := zoo.New(zoo.Config{
		Backend: backend.Config{ModelPath: "mock://test", ContextSize: 4096, KVType: backend.KVQuantF16},
	}, mock)
	require.NoError(t, err)
	return agent, mock
}

func TestAgentSubmitAndWaitReturnsResponse(t *testing.T) {
	agent, mock := newTestAgent(t)
	defer agent.Stop()

	mock.EnqueueResponse("hello there")
	resp, err := agent.SubmitAndWait("hi", nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "hello there")
}

func TestAgentSubmitStreamsPieces(t *testing.T) {
	agent, mock := newTestAgent(t)
	defer agent.Stop()

	mock.EnqueueResponse("a b c")
	var pieces []string
	_, err := agent.SubmitAndWait("hi", func(piece string) {
		pieces = append(pieces, piece)
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pieces)
}

func TestAgentPreservesSubmissionOrder(t *testing.T) {
	agent, mock := newTestAgent(t)
	defer agent.Stop()

	const n = 5
	for i := 0; i < n; i++ {
		mock.EnqueueResponse(fmt.Sprintf("reply-%d", i))
	}

	futures := make([]*zoo.Future, n)
	for i := 0; i < n; i++ {
		f, err := agent.Submit(fmt.Sprintf("msg-%d", i), nil)
		require.NoError(t, err)
		futures[i] = f
	}

	for i := 0; i < n; i++ {
		resp, err := futures[i].Await()
		require.NoError(t, err)
		assert.Contains(t, resp.Text, fmt.Sprintf("reply-%d", i))
	}
}

func TestAgentStopIsIdempotent(t *testing.T) {
	agent, _ := newTestAgent(t)
	agent.Stop()
	assert.NotPanics(t, func() { agent.Stop() })
}

func TestAgentSubmitAfterStopFails(t *testing.T) {
	agent, _ := newTestAgent(t)
	agent.Stop()

	_, err := agent.Submit("hi", nil)
	require.Error(t, err)
	assert.Equal(t, engine.KindAgentNotRunning, engine.KindOf(err))
}

func TestAgentCancelDoesNotPanicWithNoInFlightTurn(t *testing.T) {
	agent, _ := newTestAgent(t)
	defer agent.Stop()
	assert.NotPanics(t, func() { agent.Cancel() })
}

func TestAgentRegisterToolIsInvokedDuringToolCallTurn(t *testing.T) {
	agent, mock := newTestAgent(t)
	defer agent.Stop()

	called := false
	agent.RegisterTool(&engine.ToolDescriptor{
		Name:   "search",
		Schema: map[string]any{"properties": map[string]any{"query": map[string]any{"type": "string"}}, "required": []any{"query"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			called = true
			return "search result", nil
		},
	})

	mock.EnqueueResponse(`{"name":"search","arguments":{"query":"go"}}`)
	mock.EnqueueResponse("final answer")

	resp, err := agent.SubmitAndWait("find something", nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, resp.Text, "final answer")
}

func TestNewRejectsInvalidBackendConfig(t *testing.T) {
	mock := backend.NewMock()
	_, err := zoo.New(zoo.Config{Backend: backend.Config{}}, mock)
	assert.Error(t, err)
}

func TestNewPropagatesBackendInitializeFailure(t *testing.T) {
	mock := backend.NewMock()
	mock.ShouldFailInitialize = true
	_, err := zoo.New(zoo.Config{Backend: backend.Config{ModelPath: "mock://test", ContextSize: 4096, KVType: backend.KVQuantF16}}, mock)
	require.Error(t, err)
	assert.Equal(t, engine.KindBackendInitFailed, engine.KindOf(err))
}
