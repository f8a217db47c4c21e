package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the gateway.
//
// Every method is safe on a nil *Metrics so components can treat metrics as optional.
type Metrics struct {
	// QueriesAdmitted counts queries entering the pool.
	// Labels: bot
	QueriesAdmitted *prometheus.CounterVec

	// QueueDepth is the number of queries waiting for dispatch.
	QueueDepth prometheus.Gauge

	// PipelinesInFlight is the number of running pipeline executions.
	PipelinesInFlight prometheus.Gauge

	// PipelineRuns counts finished runs.
	// Labels: pipeline, status (success|error|dropped)
	PipelineRuns *prometheus.CounterVec

	// PipelineDuration measures whole-run latency in seconds.
	// Labels: pipeline
	PipelineDuration *prometheus.HistogramVec

	// StageDuration measures a single stage invocation in seconds.
	// Labels: stage
	StageDuration *prometheus.HistogramVec

	// AggregatorFlushes counts aggregator buffer flushes.
	// Labels: reason (timer|overflow|shutdown|direct)
	AggregatorFlushes *prometheus.CounterVec

	// LLMRequests counts model calls.
	// Labels: model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMDuration measures model call latency in seconds.
	// Labels: model
	LLMDuration *prometheus.HistogramVec

	// LLMTokens counts tokens reported by providers.
	// Labels: model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// EmbeddingRequests counts embedding calls.
	// Labels: model, call_type (embedding|retrieve), status
	EmbeddingRequests *prometheus.CounterVec

	// ToolCalls counts tool executions.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// Replies counts outbound adapter writes.
	// Labels: adapter, kind (message|chunk), status
	Replies *prometheus.CounterVec

	// Errors counts errors by component and type.
	// Labels: component, error_type
	Errors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueriesAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_queries_admitted_total",
			Help: "Queries admitted into the query pool by bot",
		}, []string{"bot"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_query_queue_depth",
			Help: "Queries waiting for dispatch",
		}),
		PipelinesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_pipelines_in_flight",
			Help: "Pipeline executions currently running",
		}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_pipeline_runs_total",
			Help: "Finished pipeline runs by pipeline and status",
		}, []string{"pipeline", "status"}),
		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"pipeline"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_stage_duration_seconds",
			Help:    "Duration of single stage invocations in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"stage"}),
		AggregatorFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_aggregator_flushes_total",
			Help: "Aggregator buffer flushes by reason",
		}, []string{"reason"}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_llm_requests_total",
			Help: "LLM requests by model and status",
		}, []string{"model", "status"}),
		LLMDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_llm_request_duration_seconds",
			Help:    "Duration of LLM requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_llm_tokens_total",
			Help: "Tokens reported by providers by model and type",
		}, []string{"model", "type"}),
		EmbeddingRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_embedding_requests_total",
			Help: "Embedding requests by model, call type and status",
		}, []string{"model", "call_type", "status"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_tool_calls_total",
			Help: "Tool executions by tool and status",
		}, []string{"tool", "status"}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_replies_total",
			Help: "Outbound adapter writes by adapter, kind and status",
		}, []string{"adapter", "kind", "status"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_errors_total",
			Help: "Errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// QueryAdmitted records a query entering the pool.
func (m *Metrics) QueryAdmitted(bot string, depth int) {
	if m == nil {
		return
	}
	m.QueriesAdmitted.WithLabelValues(bot).Inc()
	m.QueueDepth.Set(float64(depth))
}

// SetQueueDepth records the number of waiting queries.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// PipelineStarted increments the in-flight gauge and returns a func that records the outcome.
func (m *Metrics) PipelineStarted(pipeline string) func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.PipelinesInFlight.Inc()
	return func(status string) {
		m.PipelinesInFlight.Dec()
		m.PipelineRuns.WithLabelValues(pipeline, status).Inc()
		m.PipelineDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
	}
}

// ObserveStage records one stage invocation.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AggregatorFlush records an aggregator flush.
func (m *Metrics) AggregatorFlush(reason string) {
	if m == nil {
		return
	}
	m.AggregatorFlushes.WithLabelValues(reason).Inc()
}

// RecordLLMRequest records a model call and its token usage.
func (m *Metrics) RecordLLMRequest(model string, err error, d time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(model, status(err)).Inc()
	m.LLMDuration.WithLabelValues(model).Observe(d.Seconds())
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// RecordEmbedding records an embedding call.
func (m *Metrics) RecordEmbedding(model, callType string, err error) {
	if m == nil {
		return
	}
	m.EmbeddingRequests.WithLabelValues(model, callType, status(err)).Inc()
}

// RecordToolCall records a tool execution.
func (m *Metrics) RecordToolCall(tool string, err error) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status(err)).Inc()
}

// RecordReply records an outbound adapter write.
func (m *Metrics) RecordReply(adapter, kind string, err error) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(adapter, kind, status(err)).Inc()
}

// RecordError records an error for a component.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, errorType).Inc()
}
