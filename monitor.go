package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Exporter delivers finished spans to a collector.
// Export is called on the request path and must not block.
type Exporter interface {
	Export(span *RequestSpan)
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Client opens and finalizes request spans and hands finished spans to its exporter.
// A Client is safe for concurrent use.
type Client struct {
	cfg        Config
	log        logr.Logger
	exporter   Exporter
	metrics    *metrics
	propagator propagation.TextMapPropagator
}

// Option is a functional option for New.
type Option func(*clientOptions)

type clientOptions struct {
	logger     logr.Logger
	registerer prometheus.Registerer
	exporter   Exporter
}

// WithLogger sets the logger for the client and its exporter.
func WithLogger(logger logr.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithRegisterer registers the client's self-metrics with reg.
// Without it, the metrics go to a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *clientOptions) {
		o.registerer = reg
	}
}

// WithExporter overrides the exporter selected from the configuration.
func WithExporter(e Exporter) Option {
	return func(o *clientOptions) {
		o.exporter = e
	}
}

// New builds a monitoring client. It fails if the configuration is invalid,
// most notably when no service name is set.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("monitor: applying config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{logger: logr.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	c := &Client{
		cfg:        cfg,
		log:        o.logger.WithName("monitor"),
		metrics:    newMetrics(o.registerer),
		propagator: propagation.TraceContext{},
	}

	switch {
	case o.exporter != nil:
		c.exporter = o.exporter
	case cfg.ServerURL == "":
		c.log.Info("no collector configured, spans will not be exported")
	case cfg.Protocol == ProtocolOTLP:
		e, err := newOTLPExporter(&c.cfg)
		if err != nil {
			return nil, err
		}
		c.exporter = e
	default:
		s, err := newShipper(&c.cfg, c.log.WithName("shipper"), c.metrics)
		if err != nil {
			return nil, err
		}
		s.start()
		c.exporter = s
	}
	return c, nil
}

// Config returns a copy of the client's configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// StartSpan opens a span for r. Trace context is taken from the W3C
// traceparent header, then from X-Trace-Id, and generated otherwise.
// The returned context carries the span and the request ID.
func (c *Client) StartSpan(ctx context.Context, r *http.Request) (context.Context, *RequestSpan) {
	span := &RequestSpan{
		ID:     newSpanID(),
		Method: r.Method,
		Path:   r.URL.Path,
		Host:   r.Host,
		Scheme: "http",
		Start:  time.Now(),
		finish: c.finish,
	}
	if r.TLS != nil {
		span.Scheme = "https"
	}

	remote := trace.SpanContextFromContext(c.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header)))
	if remote.IsValid() {
		span.TraceID = remote.TraceID()
		span.ParentID = remote.SpanID()
	} else if id, err := trace.TraceIDFromHex(r.Header.Get(HeaderTraceID)); err == nil {
		span.TraceID = id
	} else {
		span.TraceID = newTraceID()
	}

	span.RequestID = r.Header.Get(HeaderRequestID)
	if span.RequestID == "" {
		span.RequestID = newRequestID()
	}

	c.metrics.observeStart()
	ctx = WithRequestID(ctx, span.RequestID)
	return ContextWithSpan(ctx, span), span
}

// finish is called by RequestSpan.End exactly once per span.
func (c *Client) finish(s *RequestSpan) {
	c.metrics.observeEnd(s)
	c.log.V(1).Info("span finished",
		"name", s.Name(),
		"status", s.StatusCode,
		"outcome", string(s.Outcome),
		"duration_ms", float64(s.Duration)/float64(time.Millisecond),
		"trace_id", s.TraceID.String(),
		"span_id", s.ID.String(),
		"request_id", s.RequestID,
	)
	if c.exporter != nil {
		c.exporter.Export(s)
	}
}

// Flush flushes any buffered spans to the collector.
func (c *Client) Flush(ctx context.Context) error {
	if c.exporter == nil {
		return nil
	}
	return c.exporter.Flush(ctx)
}

// Shutdown flushes remaining spans and releases the collector connection.
// Spans still queued when ctx expires are dropped.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.exporter == nil {
		return nil
	}
	return c.exporter.Shutdown(ctx)
}
