package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting Prometheus
// metrics (spec A3/§4.12). Trimmed from the teacher's gateway Metrics
// (DESIGN.md A3): webhook/message-queue/database-table counters named
// no component of the agent runtime exercises, since Cortex has no
// messaging channels or its own relational store beyond the D1 sqlite
// session cache.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTurn("success")
//	defer metrics.ToolExecutionDuration.WithLabelValues("exec").Observe(time.Since(start).Seconds())
type Metrics struct {
	// TurnCounter counts completed run_turn invocations by outcome
	// (success|error|cancelled).
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures run_turn end-to-end latency in seconds.
	TurnDuration *prometheus.HistogramVec

	// LLMRequestDuration measures model completion call latency.
	// Labels: provider, model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completion calls by provider, model, status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption. Labels: provider, model, type (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches by tool name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// PolicyDecisionCounter counts PolicyEngine classifications.
	// Labels: tool_name, decision (auto_allow|needs_approval|denied).
	PolicyDecisionCounter *prometheus.CounterVec

	// RolloutWriteCounter counts RolloutRecorder appends by entry type and status.
	RolloutWriteCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current live Session instances.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	SessionDuration *prometheus.HistogramVec

	// HTTPRequestDuration measures `cortex serve` HTTP latency.
	// Labels: method, path, status_code.
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts `cortex serve` HTTP requests.
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_turns_total",
				Help: "Total number of completed run_turn invocations by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_turn_duration_seconds",
				Help:    "Duration of run_turn invocations in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_llm_request_duration_seconds",
				Help:    "Duration of LLM completion requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		PolicyDecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_policy_decisions_total",
				Help: "Total number of PolicyEngine decisions by tool name and decision",
			},
			[]string{"tool_name", "decision"},
		),

		RolloutWriteCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_rollout_writes_total",
				Help: "Total number of rollout log entries appended by entry type and status",
			},
			[]string{"entry_type", "status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortex_active_sessions",
				Help: "Current number of live Session instances",
			},
		),

		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_session_duration_seconds",
				Help:    "Duration of sessions in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"outcome"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_http_request_duration_seconds",
				Help:    "Duration of cortex serve HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_http_requests_total",
				Help: "Total number of cortex serve HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordTurn records the outcome and latency of a completed run_turn.
func (m *Metrics) RecordTurn(outcome string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordLLMRequest records an LLM completion call's latency, status, and token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records a tool dispatch's outcome and latency.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordPolicyDecision records a PolicyEngine classification.
func (m *Metrics) RecordPolicyDecision(toolName, decision string) {
	m.PolicyDecisionCounter.WithLabelValues(toolName, decision).Inc()
}

// RecordRolloutWrite records a RolloutRecorder append attempt.
func (m *Metrics) RecordRolloutWrite(entryType, status string) {
	m.RolloutWriteCounter.WithLabelValues(entryType, status).Inc()
}

// RecordError records an error by originating component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active session gauge and records its lifetime.
func (m *Metrics) SessionEnded(outcome string, durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordHTTPRequest records a `cortex serve` HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
}
