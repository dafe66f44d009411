package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zookeeper-run/zoo/internal/engine"
)

// fakeBackend is a minimal engine.Backend double, narrower than
// backend.Mock, for pipeline-only tests that don't need KV-cache
// bookkeeping.
type fakeBackend struct {
	responses   []string
	finalizeErr error
	genErr      error
}

func (f *fakeBackend) Tokenize(text string) ([]int, error) {
	return make([]int, len(text)/4+1), nil
}

func (f *fakeBackend) FormatPrompt(messages []engine.Message) (string, error) {
	out := ""
	for _, m := range messages {
		out += string(m.Role) + ":" + m.Content + "\n"
	}
	return out, nil
}

func (f *fakeBackend) FinalizeResponse(messages []engine.Message) error {
	return f.finalizeErr
}

func (f *fakeBackend) Generate(promptTokens []int, maxTokens int, stopSequences []string, onToken func(string)) (string, error) {
	if f.genErr != nil {
		return "", f.genErr
	}
	if len(f.responses) == 0 {
		return "ok", nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if onToken != nil {
		onToken(resp)
	}
	return resp, nil
}

func newTestLoop(be engine.Backend) (*engine.Loop, *engine.History, *engine.Registry) {
	history := engine.NewHistory(nil)
	registry := engine.NewRegistry()
	recovery := engine.NewRecovery()
	loop := engine.NewLoop(be, history, registry, recovery, engine.LoopConfig{})
	return loop, history, registry
}

func TestProcessSimpleTurn(t *testing.T) {
	be := &fakeBackend{responses: []string{"hello there"}}
	loop, history, _ := newTestLoop(be)

	resp, err := loop.Process(engine.Request{Message: engine.Message{Role: engine.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, 2, history.Len()) // user + assistant
}

func TestProcessToolCallHappyPath(t *testing.T) {
	toolCall := `{"name":"search","arguments":{"query":"go"}}`
	be := &fakeBackend{responses: []string{toolCall, "final answer"}}
	loop, history, registry := newTestLoop(be)

	registry.Register(&engine.ToolDescriptor{
		Name:   "search",
		Schema: map[string]any{"properties": map[string]any{"query": map[string]any{"type": "string"}}, "required": []any{"query"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return "result for " + args["query"].(string), nil
		},
	})

	resp, err := loop.Process(engine.Request{Message: engine.Message{Role: engine.RoleUser, Content: "search go"}})
	require.NoError(t, err)
	assert.Equal(t, "final answer", resp.Text)

	// user, assistant(tool-call), tool(result), assistant(final)
	assert.Equal(t, 4, history.Len())
	snapshot := history.Snapshot()
	assert.Equal(t, engine.RoleTool, snapshot[2].Role)
	assert.Equal(t, "result for go", snapshot[2].Content)
}

func TestProcessToolValidationRetry(t *testing.T) {
	badCall := `{"name":"search","arguments":{}}`
	be := &fakeBackend{responses: []string{badCall, "recovered"}}
	loop, _, registry := newTestLoop(be)

	registry.Register(&engine.ToolDescriptor{
		Name:   "search",
		Schema: map[string]any{"required": []any{"query"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return "should not be called", nil
		},
	})

	resp, err := loop.Process(engine.Request{Message: engine.Message{Role: engine.RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
}

func TestProcessRollsBackOnBackendFailure(t *testing.T) {
	be := &fakeBackend{genErr: engine.New(engine.KindInferenceFailed, "boom")}
	loop, history, _ := newTestLoop(be)

	_, err := loop.Process(engine.Request{Message: engine.Message{Role: engine.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, 0, history.Len(), "the user message should be rolled back")
}

func TestProcessCancelledBeforeStart(t *testing.T) {
	be := &fakeBackend{}
	loop, history, _ := newTestLoop(be)
	loop.Cancel()

	_, err := loop.Process(engine.Request{Message: engine.Message{Role: engine.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.KindRequestCancelled))
	assert.Equal(t, 0, history.Len())
}

func TestProcessContextOverflowPrunesAndArchives(t *testing.T) {
	be := &fakeBackend{responses: []string{"ack1", "ack2", "ack3"}}
	history := engine.NewHistory(func(s string) int { return len(s) })
	registry := engine.NewRegistry()
	recovery := engine.NewRecovery()

	var archived []string
	loop := engine.NewLoop(be, history, registry, recovery, engine.LoopConfig{
		ContextSize:       20,
		PruneTargetRatio:  0.5,
		MinMessagesToKeep: 1,
	})
	loop.Archiver = archiverFunc(func(role, content, source string) error {
		archived = append(archived, content)
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := loop.Process(engine.Request{Message: engine.Message{Role: engine.RoleUser, Content: "message number XXXXXXXXXX"}})
		require.NoError(t, err)
	}

	assert.NotEmpty(t, archived, "pruned messages should have been archived")
}

type archiverFunc func(role, content, source string) error

func (f archiverFunc) Archive(role, content, source string) error { return f(role, content, source) }

func TestParseToolCallIgnoresPlainText(t *testing.T) {
	_, ok := engine.ParseToolCall("just a normal response, no json here")
	assert.False(t, ok)
}

func TestParseToolCallExtractsEmbeddedObject(t *testing.T) {
	text := `Sure, let me check that.
{"name":"lookup","arguments":{"id":42},"id":"call-1"}
`
	call, ok := engine.ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "lookup", call.Name)
	assert.Equal(t, "call-1", call.ID)

	raw, _ := json.Marshal(call.Arguments)
	assert.JSONEq(t, `{"id":42}`, string(raw))
}
