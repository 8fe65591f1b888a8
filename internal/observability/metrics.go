package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// Built on Prometheus, the metrics track:
//   - inbound events accepted, deduplicated, and completed
//   - outbox lease/ack/dead-letter activity
//   - LLM request latency and outcomes
//   - tool execution patterns and latencies
//   - extraction pipeline throughput
//   - HTTP request latency
type Metrics struct {
	// IngestCounter counts inbound events by source and outcome.
	// Labels: source, status (queued|duplicate|invalid)
	IngestCounter *prometheus.CounterVec

	// InboxCompleted counts processed inbox messages by terminal state.
	// Labels: status (done|failed)
	InboxCompleted *prometheus.CounterVec

	// OutboxPolled counts outbox messages handed out on poll.
	// Labels: source
	OutboxPolled *prometheus.CounterVec

	// OutboxAcked counts ack outcomes.
	// Labels: status (delivered|already_delivered|lease_conflict|not_found)
	OutboxAcked *prometheus.CounterVec

	// OutboxDeadLettered counts messages moved to the dead state.
	// Labels: source
	OutboxDeadLettered *prometheus.CounterVec

	// LLMRequestDuration measures LLM proxy call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM proxy calls.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ExtractionBatches counts extraction drain batches by outcome.
	// Labels: status (success|error)
	ExtractionBatches *prometheus.CounterVec

	// ExtractionItems counts memories written by the extraction pipeline.
	ExtractionItems prometheus.Counter

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics against reg.
// Call once at startup with prometheus.DefaultRegisterer; tests pass their
// own registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_ingest_total",
				Help: "Total inbound events by source and outcome",
			},
			[]string{"source", "status"},
		),

		InboxCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_inbox_completed_total",
				Help: "Processed inbox messages by terminal state",
			},
			[]string{"status"},
		),

		OutboxPolled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_outbox_polled_total",
				Help: "Outbox messages leased to connectors",
			},
			[]string{"source"},
		),

		OutboxAcked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_outbox_acked_total",
				Help: "Outbox ack outcomes",
			},
			[]string{"status"},
		),

		OutboxDeadLettered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_outbox_dead_total",
				Help: "Outbox messages moved to the dead-letter state",
			},
			[]string{"source"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_llm_request_duration_seconds",
				Help:    "Duration of LLM proxy requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_llm_requests_total",
				Help: "LLM proxy requests by model and status",
			},
			[]string{"model", "status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_tool_executions_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ExtractionBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_extraction_batches_total",
				Help: "Extraction drain batches by outcome",
			},
			[]string{"status"},
		),

		ExtractionItems: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cortex_extraction_items_total",
				Help: "Memories written by the extraction pipeline",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cortex_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
