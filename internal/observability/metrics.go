package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting kernel metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance and response times
//   - Tool execution patterns and latencies
//   - Error rates categorized by type and component
//   - Active run counts and run durations for capacity planning
//   - Context window utilization per provider/model
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RunStarted("anthropic")
//	defer metrics.RunEnded("anthropic", time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider (anthropic|openai), model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (coordinator|linearizer|tool|session), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveRuns is a gauge tracking currently executing agent runs.
	// Labels: provider
	ActiveRuns *prometheus.GaugeVec

	// RunDuration measures run lifetime in seconds.
	// Labels: provider
	// Buckets: 1s, 5s, 15s, 60s, 300s, 600s, 1800s, 3600s
	RunDuration *prometheus.HistogramVec

	// ContextWindowUsed tracks context window utilization.
	// Labels: provider, model
	// Buckets: 1000, 4000, 8000, 16000, 32000, 64000, 128000
	ContextWindowUsed *prometheus.HistogramVec

	// RunAttempts counts provider stream attempts (for retry tracking).
	// Labels: status (success|retry|failed)
	RunAttempts *prometheus.CounterVec

	// BusSubscribers tracks currently registered broadcast subscribers.
	BusSubscribers prometheus.Gauge

	// BusDrops counts backpressure actions on the broadcast bus.
	// Labels: lane (delta_dropped_oldest|persisted_disconnect)
	BusDrops *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveRuns: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexus_active_runs",
				Help: "Current number of executing agent runs by provider",
			},
			[]string{"provider"},
		),

		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 600, 1800, 3600},
			},
			[]string{"provider"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_context_window_tokens",
				Help:    "Context window tokens used",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		RunAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_run_attempts_total",
				Help: "Total number of run attempts by status",
			},
			[]string{"status"},
		),

		BusSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexus_bus_subscribers",
				Help: "Current number of broadcast bus subscribers",
			},
		),

		BusDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_bus_drops_total",
				Help: "Backpressure actions on the broadcast bus by lane",
			},
			[]string{"lane"},
		),
	}
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 100, 500)
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

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("web_search", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("coordinator", "provider_fatal")
//	metrics.RecordError("tool", "execution_failed")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RunStarted increments the active runs gauge.
//
// Example:
//
//	metrics.RunStarted("anthropic")
func (m *Metrics) RunStarted(provider string) {
	m.ActiveRuns.WithLabelValues(provider).Inc()
}

// RunEnded decrements the active runs gauge and records run duration.
//
// Example:
//
//	start := time.Now()
//	// ... run lifecycle ...
//	metrics.RunEnded("anthropic", time.Since(start).Seconds())
func (m *Metrics) RunEnded(provider string, durationSeconds float64) {
	m.ActiveRuns.WithLabelValues(provider).Dec()
	m.RunDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordContextWindow records context window utilization.
//
// Example:
//
//	metrics.RecordContextWindow("anthropic", "claude-3-opus", 45000)
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// RecordRunAttempt records a provider stream attempt.
//
// Example:
//
//	metrics.RecordRunAttempt("success")
//	metrics.RecordRunAttempt("retry")
//	metrics.RecordRunAttempt("failed")
func (m *Metrics) RecordRunAttempt(status string) {
	m.RunAttempts.WithLabelValues(status).Inc()
}

// BusSubscribed increments the broadcast subscriber gauge.
func (m *Metrics) BusSubscribed() {
	m.BusSubscribers.Inc()
}

// BusUnsubscribed decrements the broadcast subscriber gauge.
func (m *Metrics) BusUnsubscribed() {
	m.BusSubscribers.Dec()
}

// RecordBusDrop records one backpressure action on the broadcast bus.
//
// Example:
//
//	metrics.RecordBusDrop("delta_dropped_oldest")
//	metrics.RecordBusDrop("persisted_disconnect")
func (m *Metrics) RecordBusDrop(lane string) {
	m.BusDrops.WithLabelValues(lane).Inc()
}
