package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with spans for pipeline runs, stages
// and model calls. A Tracer built without an endpoint records nothing.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig selects the OTLP collector and sampling. An empty Endpoint
// disables export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	// SamplingRate is the fraction of root spans kept; 0 means 1.
	SamplingRate   float64
	Attributes     map[string]string
	EnableInsecure bool
}

func noopShutdown(context.Context) error { return nil }

// NewTracer creates a tracer and the shutdown func that flushes it. When the
// exporter cannot be built the tracer falls back to the global no-op one.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "switchboard"
	}
	noop := &Tracer{tracer: otel.Tracer(cfg.ServiceName), config: cfg}
	if cfg.Endpoint == "" {
		return noop, noopShutdown
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return noop, noopShutdown
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(cfg)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName), config: cfg}, provider.Shutdown
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func traceResource(cfg TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

// Start creates a span; callers must End it.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// TracePipelineRun starts the span covering one PipelineRuntime run.
func (t *Tracer) TracePipelineRun(ctx context.Context, pipelineUUID string, queryID int64) (context.Context, trace.Span) {
	return t.Start(ctx, "pipeline.run",
		attribute.String("pipeline.uuid", pipelineUUID),
		attribute.Int64("query.id", queryID),
	)
}

// TraceStage starts the span covering one stage invocation.
func (t *Tracer) TraceStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.Start(ctx, "pipeline.stage", attribute.String("stage.name", stage))
}

// TraceLLMRequest starts the span covering one model call.
func (t *Tracer) TraceLLMRequest(ctx context.Context, requester, model string, stream bool) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.request",
		attribute.String("llm.requester", requester),
		attribute.String("llm.model", model),
		attribute.Bool("llm.stream", stream),
	)
}

// TraceToolCall starts the span covering one tool invocation.
func (t *Tracer) TraceToolCall(ctx context.Context, tool string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.call", attribute.String("tool.name", tool))
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
