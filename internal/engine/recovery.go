package engine

import (
	"fmt"
	"sync"
)

// DefaultMaxRetries is the default number of retries permitted per tool
// name within a single turn.
const DefaultMaxRetries = 2

// Recovery validates tool arguments against their schema and tracks
// per-tool retry counts for a single turn.
type Recovery struct {
	mu         sync.Mutex
	attempts   map[string]int
	MaxRetries int
}

// NewRecovery constructs a Recovery with DefaultMaxRetries.
func NewRecovery() *Recovery {
	return &Recovery{attempts: make(map[string]int), MaxRetries: DefaultMaxRetries}
}

// ValidateArgs returns an empty string on success, or a human-readable
// error describing why the call is invalid: unknown tool, missing
// required argument, or a type mismatch against the schema.
func (r *Recovery) ValidateArgs(call ToolCall, registry *Registry) string {
	descriptor, ok := registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.Name)
	}

	required, _ := descriptor.Schema["required"].([]any)
	for _, reqAny := range required {
		req, _ := reqAny.(string)
		if req == "" {
			continue
		}
		if _, present := call.Arguments[req]; !present {
			return fmt.Sprintf("missing required argument %q", req)
		}
	}

	properties, _ := descriptor.Schema["properties"].(map[string]any)
	for name, value := range call.Arguments {
		propAny, ok := properties[name]
		if !ok {
			continue
		}
		prop, ok := propAny.(map[string]any)
		if !ok {
			continue
		}
		wantType, _ := prop["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesJSONType(value, wantType) {
			return fmt.Sprintf("argument %q has type %s, expected %s", name, jsonTypeOf(value), wantType)
		}
	}

	// Beyond the required/type checks above, run the compiled JSON Schema
	// for richer constraints (enum, pattern, minimum/maximum) so a schema
	// author gets the same validation a real MCP tool description would get.
	if schema, err := descriptor.compiledSchema(); err == nil && schema != nil {
		if err := schema.Validate(anyMap(call.Arguments)); err != nil {
			return err.Error()
		}
	}

	return ""
}

func anyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func matchesJSONType(value any, want string) bool {
	switch want {
	case "integer":
		n, ok := value.(float64)
		return ok && n == float64(int64(n))
	case "number":
		_, ok := value.(float64)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

func jsonTypeOf(value any) string {
	switch value.(type) {
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// CanRetry reports whether toolName's attempt count is below MaxRetries.
func (r *Recovery) CanRetry(toolName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[toolName] < r.MaxRetries
}

// RecordRetry increments toolName's attempt count.
func (r *Recovery) RecordRetry(toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[toolName]++
}

// AttemptCount returns the current attempt count for toolName.
func (r *Recovery) AttemptCount(toolName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[toolName]
}

// Reset clears all retry counts; called between turns.
func (r *Recovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string]int)
}

// RetryMessage builds the system message injected after a validation
// failure.
func RetryMessage(toolName, reason string) string {
	return fmt.Sprintf("Tool call error for '%s': %s\nPlease correct the arguments and try again.", toolName, reason)
}
