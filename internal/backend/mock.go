package backend

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zookeeper-run/zoo/internal/engine"
)

// ResponseMode selects how Mock produces its next Generate output.
type ResponseMode string

const (
	ResponseModeFixed ResponseMode = "fixed" // pop from the response queue, or DefaultResponse
	ResponseModeEcho   ResponseMode = "echo"  // echo the prompt token count
)

// Mock is a deterministic in-memory Backend used by tests and the CLI
// demo: a configurable, queueable response source with KV-cache
// bookkeeping, incremental prompt formatting against a prev_len cursor,
// and error-injection knobs.
type Mock struct {
	mu sync.Mutex

	ShouldFailInitialize bool
	ShouldFailGenerate   bool
	ShouldFailTokenize   bool
	ErrorMessage         string

	Mode            ResponseMode
	ResponseQueue   []string
	DefaultResponse string

	// Template, if Kind is non-empty, overrides the generic "role: content"
	// rendering below with engine.Template's llama3/chatml/custom rendering.
	Template engine.Template

	EndOfGenerationAfter int // if >0, Generate stops after this many pieces regardless of content

	initialized    bool
	cfg            Config
	contextSize    int
	trainingSize   int
	vocabSize      int
	kvCacheTokens  int
	clearCalls     int
	bosEmitted     bool
	lastFullPrompt string
	prevLen        int

	TokenCallbackCount int
	StreamedTokens     []string
}

// NewMock constructs a Mock with sane defaults.
func NewMock() *Mock {
	return &Mock{
		Mode:            ResponseModeFixed,
		DefaultResponse: "This is a test response.",
		ErrorMessage:    "mock error",
		contextSize:     8192,
		trainingSize:    8192,
		vocabSize:       32000,
	}
}

// EnqueueResponse appends a canned response to the fixed-mode queue.
func (m *Mock) EnqueueResponse(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResponseQueue = append(m.ResponseQueue, response)
}

func (m *Mock) Initialize(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFailInitialize {
		return engine.New(engine.KindBackendInitFailed, m.ErrorMessage)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg = cfg
	m.contextSize = cfg.ContextSize
	m.initialized = true
	m.bosEmitted = false
	return nil
}

func (m *Mock) Tokenize(text string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFailTokenize {
		return nil, engine.New(engine.KindTokenizationFailed, m.ErrorMessage)
	}

	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	tokens := make([]int, 0, n+1)
	if !m.bosEmitted {
		tokens = append(tokens, 1) // beginning-of-sequence
		m.bosEmitted = true
	}
	for i := 0; i < n; i++ {
		tokens = append(tokens, 100+i)
	}
	return tokens, nil
}

// renderAll defers to m.Template when one is set, otherwise falls back to
// the generic "role: content\n" rendering below.
func (m *Mock) renderAll(messages []engine.Message, withGenerationPrompt bool) string {
	if m.Template.Kind != "" {
		if rendered, err := m.Template.Render(messages); err == nil {
			return rendered
		}
	}
	return renderAll(messages, withGenerationPrompt)
}

func renderAll(messages []engine.Message, withGenerationPrompt bool) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	if withGenerationPrompt {
		b.WriteString("assistant: ")
	}
	return b.String()
}

func (m *Mock) FormatPrompt(messages []engine.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := m.renderAll(messages, true)
	if len(full) < len(m.lastFullPrompt) {
		m.kvCacheTokens = 0
		m.clearCalls++
		m.prevLen = 0
	}

	var suffix string
	if strings.HasPrefix(full, m.lastFullPrompt) {
		suffix = full[len(m.lastFullPrompt):]
	} else {
		suffix = full
		m.prevLen = 0
	}

	m.lastFullPrompt = full
	m.prevLen = len(full)
	return suffix, nil
}

func (m *Mock) FinalizeResponse(messages []engine.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stable := m.renderAll(messages, false)
	m.prevLen = len(stable)
	return nil
}

func (m *Mock) Generate(promptTokens []int, maxTokens int, stopSequences []string, onToken OnToken) (string, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return "", engine.New(engine.KindBackendInitFailed, "backend not initialized")
	}
	if m.ShouldFailGenerate {
		m.mu.Unlock()
		return "", engine.New(engine.KindInferenceFailed, m.ErrorMessage)
	}
	if m.cfg.ContextSize > 0 && len(promptTokens) > m.cfg.ContextSize {
		m.mu.Unlock()
		return "", engine.New(engine.KindContextWindowExceeded, fmt.Sprintf("prompt has %d tokens, context size is %d", len(promptTokens), m.cfg.ContextSize))
	}

	m.kvCacheTokens += len(promptTokens)

	var response string
	switch m.Mode {
	case ResponseModeEcho:
		response = fmt.Sprintf("Echo: %d tokens", len(promptTokens))
	default:
		if len(m.ResponseQueue) > 0 {
			response = m.ResponseQueue[0]
			m.ResponseQueue = m.ResponseQueue[1:]
		} else {
			response = m.DefaultResponse
		}
	}
	m.mu.Unlock()

	// Stream word-by-word. After each piece, check the growing output
	// buffer's tail for a stop-sequence match; on a match, trim it out and
	// stop without emitting the matched tail to the sink.
	words := strings.Fields(response)
	var out strings.Builder
	count := 0
	for i, w := range words {
		piece := w
		if i < len(words)-1 {
			piece += " "
		}
		out.WriteString(piece)

		if stop, trimmed := trimStopSuffix(out.String(), stopSequences); stop {
			m.mu.Lock()
			m.StreamedTokens = append(m.StreamedTokens, piece)
			m.mu.Unlock()
			return trimmed, nil
		}

		if onToken != nil {
			onToken(piece)
		}
		m.mu.Lock()
		m.TokenCallbackCount++
		m.StreamedTokens = append(m.StreamedTokens, piece)
		m.mu.Unlock()

		count++
		if maxTokens > 0 && count >= maxTokens {
			break
		}
		if m.EndOfGenerationAfter > 0 && count >= m.EndOfGenerationAfter {
			break
		}
	}

	m.mu.Lock()
	m.kvCacheTokens += min(maxTokens, len(out.String())/4)
	m.mu.Unlock()

	return out.String(), nil
}

// trimStopSuffix reports whether buf's tail matches any stop sequence,
// returning the buffer with the match removed.
func trimStopSuffix(buf string, stopSequences []string) (matched bool, trimmed string) {
	for _, stop := range stopSequences {
		if stop == "" {
			continue
		}
		if idx := strings.Index(buf, stop); idx != -1 {
			return true, buf[:idx]
		}
	}
	return false, buf
}

func (m *Mock) GetKVCacheTokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kvCacheTokens
}

func (m *Mock) ClearKVCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kvCacheTokens = 0
	m.clearCalls++
	m.prevLen = 0
	m.lastFullPrompt = ""
}

func (m *Mock) ClearKVCacheCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearCalls
}

func (m *Mock) GetContextSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contextSize
}

func (m *Mock) GetTrainingContextSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trainingSize
}

func (m *Mock) GetVocabSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vocabSize
}

// Reset restores the mock to its constructed state, for reuse across
// test cases.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.kvCacheTokens = 0
	m.TokenCallbackCount = 0
	m.StreamedTokens = nil
	m.clearCalls = 0
	m.lastFullPrompt = ""
	m.prevLen = 0
	m.bosEmitted = false
	m.ResponseQueue = nil
}
