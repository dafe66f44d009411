// Package backend defines the contract between the agent engine and a
// locally-loaded transformer model. A conforming implementation wraps a
// GGUF tensor library and transformer executor; those are external
// collaborators and are not implemented here. Mock is the deterministic
// in-memory stand-in used by tests and the CLI demo.
package backend

import "github.com/zookeeper-run/zoo/internal/engine"

// KVQuantization names a KV cache storage precision.
type KVQuantization string

const (
	KVQuantF32  KVQuantization = "f32"
	KVQuantF16  KVQuantization = "f16"
	KVQuantQ8_0 KVQuantization = "q8_0"
	KVQuantQ4_0 KVQuantization = "q4_0"
	KVQuantQ4_1 KVQuantization = "q4_1"
)

// BytesPerKV returns the per-element byte cost for a KV quantization, used
// by the memory estimator.
func (k KVQuantization) BytesPerKV() float64 {
	switch k {
	case KVQuantF32:
		return 4
	case KVQuantF16:
		return 2
	case KVQuantQ8_0:
		return 1
	case KVQuantQ4_0, KVQuantQ4_1:
		return 0.5
	default:
		return 2
	}
}

// Config configures backend initialization.
type Config struct {
	ModelPath    string
	ContextSize  int
	KVType       KVQuantization
	Seed         uint64
	Temperature  float64
	TopK         int
	TopP         float64
	RepeatPenalty float64
}

// Validate checks Config for obviously invalid fields.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return engine.New(engine.KindInvalidConfig, "model_path is required")
	}
	if c.ContextSize <= 0 {
		return engine.New(engine.KindInvalidConfig, "context_size must be positive")
	}
	return nil
}

// OnToken is invoked once per generated UTF-8 piece, on the worker
// goroutine. It must not block indefinitely; the caller is responsible
// for hopping to another goroutine if it must not block generation.
type OnToken func(piece string)

// Backend is the contract a transformer executor must satisfy. No method
// is safe for concurrent use; exactly one worker goroutine may call these
// serially.
type Backend interface {
	// Initialize validates cfg, performs a memory sanity check, loads the
	// model, creates an inference context, and prepares the sampler
	// chain.
	Initialize(cfg Config) error

	// Tokenize deterministically tokenizes text, prefixing a
	// beginning-of-sequence token iff this is the first call since reset.
	Tokenize(text string) ([]int, error)

	// FormatPrompt renders the full conversation (with a trailing
	// generation prompt) and returns only the suffix appended since the
	// previous call, reusing the KV cache across turns. If the new full
	// rendering is shorter than the previous one, the KV cache is cleared
	// and the previous-length counter reset.
	FormatPrompt(messages []engine.Message) (string, error)

	// FinalizeResponse re-renders messages without a generation prompt to
	// measure the stable boundary and updates the previous-length
	// counter.
	FinalizeResponse(messages []engine.Message) error

	// Generate prefills promptTokens then samples up to maxTokens pieces,
	// trimming any stop sequence match from the tail and not forwarding
	// it to onToken.
	Generate(promptTokens []int, maxTokens int, stopSequences []string, onToken OnToken) (string, error)

	GetKVCacheTokenCount() int
	ClearKVCache()
	GetContextSize() int
	GetTrainingContextSize() int
	GetVocabSize() int
}
