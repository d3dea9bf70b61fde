package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the bot's Prometheus metrics.
//
// The metrics cover the whole life of an inbound chat event:
//   - events received and how their orchestration task ended
//   - completion gateway requests, latency and token usage
//   - tool executions by tool and reason code
//   - streaming edits sent to the chat platform
//   - identity broker token exchanges
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.EventReceived("im")
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start), 100, 500)
type Metrics struct {
	// EventCounter tracks inbound events.
	// Labels: kind (im|channel|thread)
	EventCounter *prometheus.CounterVec

	// TaskCounter tracks finished orchestration tasks.
	// Labels: outcome (done|failed|cancelled)
	TaskCounter *prometheus.CounterVec

	// ActiveTasks is the number of in-flight orchestration tasks.
	ActiveTasks prometheus.Gauge

	// LLMRequestDuration measures gateway call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts gateway requests.
	// Labels: provider, model, status (success|error|retry)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error), reason
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// StreamFlushCounter counts outbound post and edit operations.
	// Labels: op (post|edit|error)
	StreamFlushCounter *prometheus.CounterVec

	// OAuthExchangeCounter counts identity broker exchanges.
	// Labels: server, status (success|authorization_required|error)
	OAuthExchangeCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (orchestrator|agent|tool|stream|slack), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// Tests should pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_events_total",
				Help: "Total number of inbound chat events by kind",
			},
			[]string{"kind"},
		),

		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_tasks_total",
				Help: "Total number of finished orchestration tasks by outcome",
			},
			[]string{"outcome"},
		),

		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "collmbo_active_tasks",
				Help: "Current number of in-flight orchestration tasks",
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collmbo_llm_request_duration_seconds",
				Help:    "Duration of completion gateway requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_llm_requests_total",
				Help: "Total number of completion gateway requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_tool_executions_total",
				Help: "Total number of tool executions by tool name, status and reason",
			},
			[]string{"tool_name", "status", "reason"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collmbo_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		StreamFlushCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_stream_operations_total",
				Help: "Total number of outbound chat operations issued while streaming",
			},
			[]string{"op"},
		),

		OAuthExchangeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_oauth_exchanges_total",
				Help: "Total number of identity broker token exchanges",
			},
			[]string{"server", "status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collmbo_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// EventReceived increments the inbound event counter.
func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(kind).Inc()
}

// TaskStarted increments the in-flight gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

// TaskFinished decrements the in-flight gauge and records the outcome.
func (m *Metrics) TaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
	m.TaskCounter.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest records metrics for one gateway round.
func (m *Metrics) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution. An empty reason
// means success.
func (m *Metrics) RecordToolExecution(toolName, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if reason != "" {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status, reason).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordStreamOp counts an outbound post or edit.
func (m *Metrics) RecordStreamOp(op string) {
	if m == nil {
		return
	}
	m.StreamFlushCounter.WithLabelValues(op).Inc()
}

// RecordOAuthExchange counts a broker exchange.
func (m *Metrics) RecordOAuthExchange(server, status string) {
	if m == nil {
		return
	}
	m.OAuthExchangeCounter.WithLabelValues(server, status).Inc()
}

// RecordError increments the error counter.
//
// Example:
//
//	metrics.RecordError("agent", "tool_loop_exceeded")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
