package monitor

import "context"

// Context keys for request-scoped values.
type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeySpan
)

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestID returns the request ID from the context, or empty string if not set.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// ContextWithSpan returns a new context carrying the given span.
func ContextWithSpan(ctx context.Context, span *RequestSpan) context.Context {
	return context.WithValue(ctx, ctxKeySpan, span)
}

// SpanFromContext returns the span stored in the context, or nil.
func SpanFromContext(ctx context.Context) *RequestSpan {
	if v, ok := ctx.Value(ctxKeySpan).(*RequestSpan); ok {
		return v
	}
	return nil
}

// TraceID returns the hex trace ID of the span in the context, or empty string if none.
func TraceID(ctx context.Context) string {
	if span := SpanFromContext(ctx); span != nil {
		return span.TraceID.String()
	}
	return ""
}
