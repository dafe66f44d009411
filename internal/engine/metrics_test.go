package engine_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zookeeper-run/zoo/internal/engine"
)

func TestNewTurnMetricsRegistersAgainstDedicatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := engine.NewTurnMetrics(reg)
	require.NotNil(t, metrics)

	metrics.ObserveTurn(engine.Metrics{LatencyMs: 120, TimeToFirstTokenMs: 40, TokensPerSecond: 15}, "ok")
	metrics.ObserveToolCall("search", "ok")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMultipleRegistriesDoNotCollide(t *testing.T) {
	// Each Agent (or test) must be able to construct its own TurnMetrics
	// without panicking on duplicate registration, since each passes its
	// own *prometheus.Registry rather than sharing the global default.
	assert.NotPanics(t, func() {
		engine.NewTurnMetrics(prometheus.NewRegistry())
		engine.NewTurnMetrics(prometheus.NewRegistry())
	})
}

func TestNilTurnMetricsIsANoOp(t *testing.T) {
	var metrics *engine.TurnMetrics
	assert.NotPanics(t, func() {
		metrics.ObserveTurn(engine.Metrics{}, "ok")
		metrics.ObserveToolCall("x", "error")
	})
}
