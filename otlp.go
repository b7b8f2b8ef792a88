package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/aidenappl/apm-hello"

// otlpExporter replays finished request spans through an OpenTelemetry
// tracer provider, keeping their IDs and timestamps.
type otlpExporter struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

func newOTLPExporter(cfg *Config) (*otlpExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpointURL(cfg.ServerURL),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}
	if cfg.SecretToken != "" {
		opts = append(opts, otlptracegrpc.WithHeaders(map[string]string{
			"Authorization": "Bearer " + cfg.SecretToken,
		}))
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("monitor: failed to create OTLP exporter: %w", err)
	}
	return newTracerExporter(cfg, sdktrace.WithBatcher(exporter)), nil
}

// newTracerExporter builds the tracer provider around the given span processor options.
func newTracerExporter(cfg *Config, opts ...sdktrace.TracerProviderOption) *otlpExporter {
	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithIDGenerator(spanIDGenerator{}),
	)
	tp := sdktrace.NewTracerProvider(opts...)
	return &otlpExporter{tp: tp, tracer: tp.Tracer(instrumentationName)}
}

// Export records s as a server span. The SDK batch processor queues it
// without blocking.
func (e *otlpExporter) Export(s *RequestSpan) {
	ctx := ContextWithSpan(context.Background(), s)
	if s.ParentID.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    s.TraceID,
			SpanID:     s.ParentID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(s.Method),
		semconv.URLPath(s.Path),
		semconv.URLScheme(s.Scheme),
		semconv.ServerAddress(s.Host),
		semconv.HTTPResponseStatusCode(s.StatusCode),
		attribute.String("request_id", s.RequestID),
	}
	if route := s.Route(); route != "" {
		attrs = append(attrs, semconv.HTTPRoute(route))
	}

	_, span := e.tracer.Start(ctx, s.Name(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(s.Start),
		trace.WithAttributes(attrs...),
	)
	if s.Err != nil {
		span.RecordError(s.Err)
	}
	if s.Outcome == OutcomeFailure {
		span.SetStatus(codes.Error, s.Result())
	}
	span.End(trace.WithTimestamp(s.Start.Add(s.Duration)))
}

func (e *otlpExporter) Flush(ctx context.Context) error {
	return e.tp.ForceFlush(ctx)
}

func (e *otlpExporter) Shutdown(ctx context.Context) error {
	return e.tp.Shutdown(ctx)
}

// spanIDGenerator hands the SDK the IDs already assigned to the
// RequestSpan carried in the context.
type spanIDGenerator struct{}

func (spanIDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	if s := SpanFromContext(ctx); s != nil {
		return s.TraceID, s.ID
	}
	return newTraceID(), newSpanID()
}

func (spanIDGenerator) NewSpanID(ctx context.Context, traceID trace.TraceID) trace.SpanID {
	if s := SpanFromContext(ctx); s != nil && s.TraceID == traceID {
		return s.ID
	}
	return newSpanID()
}
