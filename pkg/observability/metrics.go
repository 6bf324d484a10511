// Package observability exposes Prometheus metrics for scans, tool
// executions and model usage.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the process registers.
type Metrics struct {
	registry *prometheus.Registry

	ScansStarted  *prometheus.CounterVec
	ScansFinished *prometheus.CounterVec

	ToolExecutions *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec

	ModelCalls   *prometheus.CounterVec
	TokensUsed   *prometheus.CounterVec
	EstimatedUSD prometheus.Counter

	FindingsTotal *prometheus.CounterVec
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ScansStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_scans_started_total",
			Help: "Scans started, by profile.",
		}, []string{"profile"}),
		ScansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_scans_finished_total",
			Help: "Scans finished, by terminal status.",
		}, []string{"status"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_tool_executions_total",
			Help: "Tool executions, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_tool_duration_seconds",
			Help:    "Wall-clock duration of tool executions.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"tool"}),
		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_model_calls_total",
			Help: "LLM completions, by mode.",
		}, []string{"mode"}),
		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_tokens_total",
			Help: "Tokens consumed, by mode and direction.",
		}, []string{"mode", "direction"}),
		EstimatedUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_estimated_cost_usd_total",
			Help: "Accumulated estimated LLM spend.",
		}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_findings_total",
			Help: "Normalized findings, by severity.",
		}, []string{"severity"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
