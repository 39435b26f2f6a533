package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// Built on Prometheus, tracking:
//   - Question processing counts and latency
//   - Model request performance and token consumption
//   - Tool execution patterns and latencies
//   - Rate limiter rejections and in-flight request counts
//   - Error rates by component and type
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordRequest("success", time.Since(start).Seconds())
type Metrics struct {
	// RequestCounter counts processed questions.
	// Labels: status (success|error), error_type
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end question latency in seconds.
	// Labels: status
	RequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model requests by provider, model and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RateLimitRejections counts rejected requests by limit kind.
	// Labels: kind (requests_minute|requests_hour|tokens_minute|concurrency|global)
	RateLimitRejections *prometheus.CounterVec

	// ActiveRequests is a gauge of requests currently holding a
	// concurrency slot.
	ActiveRequests prometheus.Gauge

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec

	// CacheOps counts hot-cache operations.
	// Labels: op (get|set|delete), result (hit|miss|ok|error)
	CacheOps *prometheus.CounterVec

	// Summarizations counts history summarization attempts.
	// Labels: status (success|failed)
	Summarizations *prometheus.CounterVec

	// BreakerState reports circuit breaker state per target
	// (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against the given registerer. Tests use
// a private registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_requests_total",
				Help: "Total number of processed questions by status and error type",
			},
			[]string{"status", "error_type"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_request_duration_seconds",
				Help:    "End-to-end question processing latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_requests_total",
				Help: "Total number of model requests by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_llm_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_tokens_total",
				Help: "Total number of tokens used by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_rate_limit_rejections_total",
				Help: "Total number of rate-limited requests by limit kind",
			},
			[]string{"kind"},
		),

		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_requests",
				Help: "Number of requests currently holding a concurrency slot",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_cache_operations_total",
				Help: "Total number of hot-cache operations by op and result",
			},
			[]string{"op", "result"},
		),

		Summarizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_summarizations_total",
				Help: "Total number of history summarization attempts",
			},
			[]string{"status"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_breaker_state",
				Help: "Circuit breaker state per target (0 closed, 1 half-open, 2 open)",
			},
			[]string{"target"},
		),
	}
}

// RecordRequest records one processed question.
func (m *Metrics) RecordRequest(status, errorType string, durationSeconds float64) {
	m.RequestCounter.WithLabelValues(status, errorType).Inc()
	m.RequestDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for one model request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordRateLimitRejection counts one rejected request.
func (m *Metrics) RecordRateLimitRejection(kind string) {
	m.RateLimitRejections.WithLabelValues(kind).Inc()
}

// RecordCacheOp counts one hot-cache operation.
func (m *Metrics) RecordCacheOp(op, result string) {
	m.CacheOps.WithLabelValues(op, result).Inc()
}
