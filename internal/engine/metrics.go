package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TurnMetrics exports Agentic Loop turn statistics as Prometheus
// collectors. Wiring it into a Loop is optional; a nil *TurnMetrics
// receiver on the reporting methods is a no-op so callers that don't
// care about metrics pay nothing.
type TurnMetrics struct {
	// TurnDuration measures latency_ms (as seconds) per completed turn.
	TurnDuration prometheus.Histogram

	// TimeToFirstToken measures time_to_first_token_ms (as seconds).
	TimeToFirstToken prometheus.Histogram

	// TokensPerSecond observes the completion-token throughput of each turn.
	TokensPerSecond prometheus.Histogram

	// TurnCounter counts completed turns by outcome (ok|error|cancelled).
	TurnCounter *prometheus.CounterVec

	// ToolCallCounter counts tool invocations by name and outcome.
	ToolCallCounter *prometheus.CounterVec
}

// NewTurnMetrics registers a fresh set of collectors against reg. Pass a
// dedicated *prometheus.Registry (rather than prometheus.DefaultRegisterer)
// when more than one Agent may be constructed in a process, e.g. in tests.
func NewTurnMetrics(reg prometheus.Registerer) *TurnMetrics {
	factory := prometheus.WrapRegistererWith(nil, reg)

	return &TurnMetrics{
		TurnDuration: mustRegisterHistogram(factory, prometheus.HistogramOpts{
			Name:    "zoo_turn_latency_seconds",
			Help:    "Latency of a completed agent turn, in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		TimeToFirstToken: mustRegisterHistogram(factory, prometheus.HistogramOpts{
			Name:    "zoo_turn_ttft_seconds",
			Help:    "Time to first generated token piece, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		TokensPerSecond: mustRegisterHistogram(factory, prometheus.HistogramOpts{
			Name:    "zoo_turn_tokens_per_second",
			Help:    "Completion-token throughput of a turn.",
			Buckets: []float64{1, 5, 10, 20, 40, 80, 160},
		}),
		TurnCounter: mustRegisterCounterVec(factory, prometheus.CounterOpts{
			Name: "zoo_turns_total",
			Help: "Total completed agent turns by outcome.",
		}, []string{"outcome"}),
		ToolCallCounter: mustRegisterCounterVec(factory, prometheus.CounterOpts{
			Name: "zoo_tool_calls_total",
			Help: "Total tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
	}
}

func mustRegisterHistogram(factory prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	factory.MustRegister(h)
	return h
}

func mustRegisterCounterVec(factory prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	factory.MustRegister(c)
	return c
}

// ObserveTurn records a completed turn's metrics and outcome label.
func (m *TurnMetrics) ObserveTurn(metrics Metrics, outcome string) {
	if m == nil {
		return
	}
	m.TurnDuration.Observe(metrics.LatencyMs / float64(time.Second/time.Millisecond))
	m.TimeToFirstToken.Observe(metrics.TimeToFirstTokenMs / float64(time.Second/time.Millisecond))
	if metrics.TokensPerSecond > 0 {
		m.TokensPerSecond.Observe(metrics.TokensPerSecond)
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
}

// ObserveToolCall records a single tool invocation's outcome.
func (m *TurnMetrics) ObserveToolCall(toolName, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(toolName, outcome).Inc()
}
