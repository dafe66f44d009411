// Package logging provides the structured logger used across the agent
// engine: a thin wrapper over log/slog that correlates log lines to a
// turn and redacts likely secrets (model paths embedding tokens, API
// keys forwarded to MCP servers) before they hit the sink.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with turn/tool correlation and redaction.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// Config configures a Logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Format is "json" or "text". Defaults to "json".
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// AddSource includes file:line in each record.
	AddSource bool
	// RedactPatterns are additional regexes appended to DefaultRedactPatterns.
	RedactPatterns []string
}

// DefaultRedactPatterns catches common secret shapes that might otherwise
// leak into logs via tool arguments or backend config.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
}

type contextKey string

// TurnIDKey correlates a log line to the turn that produced it.
const TurnIDKey contextKey = "turn_id"

// ToolKey correlates a log line to the tool call it describes.
const ToolKey contextKey = "tool"

// New builds a Logger from cfg, applying defaults for zero-valued fields.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTurnID returns a context carrying turnID for later log correlation.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithTool returns a context carrying a tool name for later log correlation.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ToolKey, tool)
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) { l.log(ctx, slog.LevelDebug, msg, args...) }
func (l *Logger) Info(ctx context.Context, msg string, args ...any)  { l.log(ctx, slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(ctx context.Context, msg string, args ...any)  { l.log(ctx, slog.LevelWarn, msg, args...) }
func (l *Logger) Error(ctx context.Context, msg string, args ...any) { l.log(ctx, slog.LevelError, msg, args...) }

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+4)
	if turnID, ok := ctx.Value(TurnIDKey).(string); ok && turnID != "" {
		attrs = append(attrs, "turn_id", turnID)
	}
	if tool, ok := ctx.Value(ToolKey).(string); ok && tool != "" {
		attrs = append(attrs, "tool", tool)
	}
	for _, a := range args {
		attrs = append(attrs, l.redactValue(a))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	default:
		if b, err := json.Marshal(v); err == nil {
			return l.redactString(string(b))
		}
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// With returns a Logger with args attached to every subsequent record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}
