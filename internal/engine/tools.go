package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolHandler executes a tool call and returns a JSON-serializable result.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolDescriptor describes a registered tool: its name, human description,
// JSON schema for arguments, and handler.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]any // {"properties": {...}, "required": [...]}
	Handler     ToolHandler

	compiled     *jsonschema.Schema
	compileOnce  sync.Once
	compileError error
}

// compiledSchema lazily compiles Schema into a jsonschema.Schema for
// validation, caching the result (and any compile error) on first use.
func (d *ToolDescriptor) compiledSchema() (*jsonschema.Schema, error) {
	d.compileOnce.Do(func() {
		raw, err := json.Marshal(d.Schema)
		if err != nil {
			d.compileError = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(d.Name+".schema.json", strings.NewReader(string(raw))); err != nil {
			d.compileError = err
			return
		}
		schema, err := compiler.Compile(d.Name + ".schema.json")
		if err != nil {
			d.compileError = err
			return
		}
		d.compiled = schema
	})
	return d.compiled, d.compileError
}

// Registry is the name -> descriptor map, safe for concurrent Get/Has
// from the worker goroutine while a caller registers, replaces, or
// removes tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDescriptor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDescriptor)}
}

// Register adds or replaces a tool descriptor.
func (r *Registry) Register(d *ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the descriptor for name, if registered.
func (r *Registry) Get(name string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// ToolCall is a tool invocation parsed from model output.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ParseToolCall scans text for the first balanced JSON object and, if it
// contains a string "name" and an object "arguments", returns the parsed
// ToolCall. Otherwise ok is false. Text before and after the JSON object
// is ignored here but left untouched in the caller's copy of text.
func ParseToolCall(text string) (call ToolCall, ok bool) {
	start := strings.IndexByte(text, '{')
	for start != -1 {
		end := matchingBrace(text, start)
		if end != -1 {
			candidate := text[start : end+1]

			var raw map[string]any
			if err := json.Unmarshal([]byte(candidate), &raw); err == nil {
				name, nameOK := raw["name"].(string)
				argsRaw, argsPresent := raw["arguments"]
				args, argsOK := argsRaw.(map[string]any)
				if nameOK && argsPresent && argsOK {
					id, _ := raw["id"].(string)
					return ToolCall{ID: id, Name: name, Arguments: args}, true
				}
				return ToolCall{}, false
			}
		}

		next := strings.IndexByte(text[start+1:], '{')
		if next == -1 {
			return ToolCall{}, false
		}
		start = start + 1 + next
	}
	return ToolCall{}, false
}

// matchingBrace returns the index of the brace matching the '{' at
// start, honoring string literals and escapes, or -1 if unbalanced.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
