// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway reports.
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: status (success|error|aborted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	TurnDuration prometheus.Histogram

	// BusyRejections counts chat requests rejected because a turn was
	// already in flight.
	BusyRejections prometheus.Counter

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalWaitDuration measures how long pending approvals wait.
	// Labels: outcome (approved|denied|timeout|cancelled)
	ApprovalWaitDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// RoutingDecisions counts routed turns by tier.
	// Labels: tier, overridden (true|false)
	RoutingDecisions *prometheus.CounterVec

	// ActiveConnections gauges currently attached interfaces.
	ActiveConnections prometheus.Gauge
}

// New creates and registers all collectors with the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferry_turns_total",
				Help: "Total number of completed turns by status",
			},
			[]string{"status"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ferry_turn_duration_seconds",
				Help:    "Duration of full turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		BusyRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ferry_busy_rejections_total",
				Help: "Chat requests rejected because a turn was already in flight",
			},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferry_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ferry_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ApprovalWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ferry_approval_wait_seconds",
				Help:    "Time pending approvals waited before resolution",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferry_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),
		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ferry_routing_decisions_total",
				Help: "Routed turns by tier and whether the model was overridden",
			},
			[]string{"tier", "overridden"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ferry_active_connections",
				Help: "Currently attached interface connections",
			},
		),
	}
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(status string, duration time.Duration) {
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, duration time.Duration) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordApprovalWait records one resolved approval wait.
func (m *Metrics) RecordApprovalWait(outcome string, waited time.Duration) {
	m.ApprovalWaitDuration.WithLabelValues(outcome).Observe(waited.Seconds())
}

// RecordTokens records token consumption for one turn.
func (m *Metrics) RecordTokens(model string, input, output int) {
	m.TokensUsed.WithLabelValues(model, "input").Add(float64(input))
	m.TokensUsed.WithLabelValues(model, "output").Add(float64(output))
}

// RecordRouting records one routing decision.
func (m *Metrics) RecordRouting(tier string, overridden bool) {
	label := "false"
	if overridden {
		label = "true"
	}
	m.RoutingDecisions.WithLabelValues(tier, label).Inc()
}
