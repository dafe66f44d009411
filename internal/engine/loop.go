package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Defaults for LoopConfig fields left unset.
const (
	DefaultPruneTargetRatio    = 0.7
	DefaultMinMessagesToKeep   = 4
	DefaultMaxToolIterations   = 5
	DefaultMaxGenerationTokens = 512
)

// Backend is the subset of a model backend the loop drives directly.
// backend.Backend (and backend.Mock) satisfy this structurally.
type Backend interface {
	Tokenize(text string) ([]int, error)
	FormatPrompt(messages []Message) (string, error)
	FinalizeResponse(messages []Message) error
	Generate(promptTokens []int, maxTokens int, stopSequences []string, onToken func(piece string)) (string, error)
}

// Archiver durably records conversation turns pruned from History. A nil
// Archiver means pruned messages are simply dropped.
type Archiver interface {
	Archive(role, content, source string) error
}

// LoopConfig parameterizes one Loop.
type LoopConfig struct {
	ContextSize         int
	PruneTargetRatio    float64
	MinMessagesToKeep   int
	MaxToolIterations   int
	MaxGenerationTokens int
	StopSequences       []string
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.PruneTargetRatio <= 0 {
		c.PruneTargetRatio = DefaultPruneTargetRatio
	}
	if c.MinMessagesToKeep <= 0 {
		c.MinMessagesToKeep = DefaultMinMessagesToKeep
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.MaxGenerationTokens <= 0 {
		c.MaxGenerationTokens = DefaultMaxGenerationTokens
	}
	return c
}

// Loop composes the backend, history, RAG retrievers, tool registry, and
// validation/retry bookkeeping into a single turn-processing pipeline.
// Exactly one goroutine (the agent's worker) drives Process at a time.
type Loop struct {
	Backend    Backend
	History    *History
	Registry   *Registry
	Recovery   *Recovery
	Retrievers []Retriever
	Archiver   Archiver
	Config     LoopConfig

	// Metrics is optional; a nil value disables Prometheus reporting.
	Metrics *TurnMetrics

	cancelled atomic.Bool
}

// NewLoop constructs a Loop, applying defaults to any unset LoopConfig
// field.
func NewLoop(backend Backend, history *History, registry *Registry, recovery *Recovery, cfg LoopConfig) *Loop {
	return &Loop{
		Backend:  backend,
		History:  history,
		Registry: registry,
		Recovery: recovery,
		Config:   cfg.withDefaults(),
	}
}

// Cancel requests cooperative cancellation of the turn currently (or
// next) in Process.
func (l *Loop) Cancel() { l.cancelled.Store(true) }

// ResetCancellation clears the cancellation flag, called between turns.
func (l *Loop) ResetCancellation() { l.cancelled.Store(false) }

// turnState accumulates bookkeeping across the tool-calling iterations
// of a single Process call.
type turnState struct {
	start            time.Time
	firstPieceAt     time.Time
	completionPieces int
	lastPromptTokens int
	messagesAdded    int
}

// Process runs one full turn: appends the user message, optionally
// injects retrieved context, prunes history if over budget, formats and
// tokenizes the prompt, generates (looping through any tool calls up to
// the configured cap), and appends the assistant's final message.
func (l *Loop) Process(req Request) (Response, error) {
	if l.cancelled.Load() {
		l.Metrics.ObserveTurn(Metrics{}, "cancelled")
		return Response{}, New(KindRequestCancelled, "cancellation observed before turn start")
	}

	state := &turnState{start: time.Now()}

	if err := l.History.AddMessage(req.Message); err != nil {
		return Response{}, err
	}
	state.messagesAdded++

	var ragChunks []RagChunk
	var ephemeral *Message
	if req.Options.RAG.Enabled {
		chunks, err := l.retrieveContext(req)
		if err == nil && len(chunks) > 0 {
			ragChunks = chunks
			msg := Message{Role: RoleSystem, Content: renderRetrievedContext(chunks)}
			ephemeral = &msg
		}
	}

	l.pruneIfOverBudget()

	var extras []Message
	genText, err := l.generateOnce(req, ephemeral, extras, state)
	if err != nil {
		return l.fail(state, err)
	}

	for iteration := 0; ; {
		call, ok := ParseToolCall(genText)
		if !ok {
			break
		}
		if iteration >= l.Config.MaxToolIterations {
			break
		}

		reason := l.Recovery.ValidateArgs(call, l.Registry)
		if reason != "" {
			if !l.Recovery.CanRetry(call.Name) {
				break
			}
			l.Recovery.RecordRetry(call.Name)
			extras = []Message{{Role: RoleSystem, Content: RetryMessage(call.Name, reason)}}
			iteration++

			genText, err = l.generateOnce(req, ephemeral, extras, state)
			if err != nil {
				return l.fail(state, err)
			}
			continue
		}

		resultText, toolErr := l.executeTool(call)
		l.Metrics.ObserveToolCall(call.Name, toolCallOutcome(toolErr))

		if err := l.History.AddMessage(Message{Role: RoleAssistant, Content: genText}); err != nil {
			return l.fail(state, err)
		}
		state.messagesAdded++

		toolID := call.ID
		if toolID == "" {
			toolID = uuid.NewString()
		}
		toolContent := resultText
		if toolErr != nil {
			toolContent = toolErr.Error()
		}
		if err := l.History.AddMessage(Message{Role: RoleTool, Content: toolContent, ToolCallID: toolID, Name: call.Name}); err != nil {
			return l.fail(state, err)
		}
		state.messagesAdded++

		extras = nil
		iteration++

		genText, err = l.generateOnce(req, ephemeral, extras, state)
		if err != nil {
			return l.fail(state, err)
		}
	}

	if l.cancelled.Load() {
		l.rollback(state)
		l.Metrics.ObserveTurn(Metrics{}, "cancelled")
		return Response{}, New(KindRequestCancelled, "cancellation observed during generation")
	}

	if err := l.History.AddMessage(Message{Role: RoleAssistant, Content: genText}); err != nil {
		return l.fail(state, err)
	}
	state.messagesAdded++

	if err := l.Backend.FinalizeResponse(l.History.Snapshot()); err != nil {
		return l.fail(state, err)
	}

	l.Recovery.Reset()

	end := time.Now()
	metrics := Metrics{LatencyMs: msSince(state.start, end)}
	if !state.firstPieceAt.IsZero() {
		metrics.TimeToFirstTokenMs = msSince(state.start, state.firstPieceAt)
		if secs := end.Sub(state.firstPieceAt).Seconds(); secs > 0 {
			metrics.TokensPerSecond = float64(state.completionPieces) / secs
		}
	} else {
		metrics.TimeToFirstTokenMs = metrics.LatencyMs
	}

	l.Metrics.ObserveTurn(metrics, "ok")

	return Response{
		Text: genText,
		Usage: Usage{
			PromptTokens:     state.lastPromptTokens,
			CompletionTokens: state.completionPieces,
			TotalTokens:      state.lastPromptTokens + state.completionPieces,
		},
		Metrics:   metrics,
		RagChunks: ragChunks,
	}, nil
}

// fail rolls back this turn's History additions, records the failure,
// and returns the zero Response alongside err.
func (l *Loop) fail(state *turnState, err error) (Response, error) {
	l.rollback(state)
	l.Metrics.ObserveTurn(Metrics{}, "error")
	return Response{}, err
}

func toolCallOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// generateOnce builds the scratch message list (history + optional
// ephemeral RAG context + optional per-call extras like a retry notice),
// formats and tokenizes the incremental prompt, and streams one
// generation.
func (l *Loop) generateOnce(req Request, ephemeral *Message, extras []Message, state *turnState) (string, error) {
	scratch := l.buildScratchList(ephemeral, extras)

	promptSuffix, err := l.Backend.FormatPrompt(scratch)
	if err != nil {
		return "", err
	}

	tokens, err := l.Backend.Tokenize(promptSuffix)
	if err != nil {
		return "", err
	}
	state.lastPromptTokens = len(tokens)

	wrapped := func(piece string) {
		if state.firstPieceAt.IsZero() {
			state.firstPieceAt = time.Now()
		}
		state.completionPieces++
		if l.cancelled.Load() {
			return
		}
		if req.Sink != nil {
			req.Sink(piece)
		}
	}

	return l.Backend.Generate(tokens, l.Config.MaxGenerationTokens, l.Config.StopSequences, wrapped)
}

func (l *Loop) buildScratchList(ephemeral *Message, extras []Message) []Message {
	base := l.History.Snapshot()

	insertAt := 0
	if len(base) > 0 && base[0].Role == RoleSystem {
		insertAt = 1
	}

	scratch := make([]Message, 0, len(base)+2)
	scratch = append(scratch, base[:insertAt]...)
	if ephemeral != nil {
		scratch = append(scratch, *ephemeral)
	}
	scratch = append(scratch, base[insertAt:]...)
	scratch = append(scratch, extras...)
	return scratch
}

func (l *Loop) retrieveContext(req Request) ([]RagChunk, error) {
	topK := req.Options.RAG.TopK
	if topK <= 0 {
		topK = 5
	}

	var all []RagChunk
	for _, retriever := range l.Retrievers {
		if retriever == nil {
			continue
		}
		chunks, err := retriever.Retrieve(RetrievalQuery{Text: req.Message.Content, TopK: topK})
		if err != nil {
			continue
		}
		all = append(all, chunks...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > topK {
		all = all[:topK]
	}
	return all, nil
}

func renderRetrievedContext(chunks []RagChunk) string {
	out := "Retrieved Context\n"
	for _, c := range chunks {
		out += fmt.Sprintf("%s: %s\n", c.ID, c.Content)
	}
	return out
}

func (l *Loop) pruneIfOverBudget() {
	if l.Config.ContextSize <= 0 {
		return
	}
	if l.History.EstimatedTokens() <= l.Config.ContextSize {
		return
	}

	target := int(float64(l.Config.ContextSize) * l.Config.PruneTargetRatio)
	removed := l.History.PruneOldestMessagesUntil(target, l.Config.MinMessagesToKeep)

	if l.Archiver == nil {
		return
	}
	for _, m := range removed {
		_ = l.Archiver.Archive(string(m.Role), m.Content, "conversation")
	}
}

func (l *Loop) executeTool(call ToolCall) (string, error) {
	descriptor, ok := l.Registry.Get(call.Name)
	if !ok {
		return "", New(KindUnknown, fmt.Sprintf("tool %q vanished between validation and execution", call.Name))
	}

	result, err := descriptor.Handler(context.Background(), call.Arguments)
	if err != nil {
		return "", err
	}
	return stringifyToolResult(result)
}

func stringifyToolResult(result any) (string, error) {
	if s, ok := result.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", Wrap(KindUnknown, "marshal tool result", err)
	}
	return string(raw), nil
}

// rollback removes every message this turn appended to History, in case
// of a mid-turn backend failure or cancellation.
func (l *Loop) rollback(state *turnState) {
	for i := 0; i < state.messagesAdded; i++ {
		l.History.RemoveLastMessage()
	}
}

func msSince(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}
