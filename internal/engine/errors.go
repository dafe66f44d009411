package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for turn-level recovery decisions.
type Kind string

const (
	KindInvalidConfig          Kind = "invalid_config"
	KindModelLoadFailed        Kind = "model_load_failed"
	KindBackendInitFailed      Kind = "backend_init_failed"
	KindContextCreationFailed  Kind = "context_creation_failed"
	KindTokenizationFailed     Kind = "tokenization_failed"
	KindInferenceFailed        Kind = "inference_failed"
	KindGpuOutOfMemory         Kind = "gpu_out_of_memory"
	KindContextWindowExceeded  Kind = "context_window_exceeded"
	KindInvalidMessageSequence Kind = "invalid_message_sequence"
	KindInvalidTemplate        Kind = "invalid_template"
	KindRequestCancelled       Kind = "request_cancelled"
	KindQueueFull              Kind = "queue_full"
	KindAgentNotRunning        Kind = "agent_not_running"
	KindMcpTransportFailed     Kind = "mcp_transport_failed"
	KindMcpSessionFailed       Kind = "mcp_session_failed"
	KindMcpProtocolError       Kind = "mcp_protocol_error"
	KindMcpServerError         Kind = "mcp_server_error"
	KindMcpTimeout             Kind = "mcp_timeout"
	KindMcpDisconnected        Kind = "mcp_disconnected"
	KindUnknown                Kind = "unknown"
)

// Error is the engine-wide error type. It carries a Kind for recovery
// dispatch, a human-readable message, optional context, and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a bare Kind sentinel created
// with New(kind, "").
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext attaches extra context and returns e for chaining.
func (e *Error) WithContext(ctx string) *Error {
	e.Context = ctx
	return e
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
