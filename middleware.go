package monitor

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// HeaderRequestID is the HTTP header for request ID.
	HeaderRequestID = "X-Request-Id"

	// HeaderTraceID is the HTTP header for trace ID.
	HeaderTraceID = "X-Trace-Id"
)

// statusRecorder captures the status code written by the next handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware opens a span for every request and finalizes it when the
// next handler returns. The request and trace IDs are stored in the
// request context and echoed as response headers.
//
// If the next handler panics, the span is finalized as a failure and the
// panic is re-raised with its original value. The status already written
// by the handler is kept; otherwise 500 is recorded.
//
// Compatible with gorilla/mux and any standard net/http router:
//
//	handler := client.Middleware(router)
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := c.StartSpan(r.Context(), r)

		// Set response headers for debugging
		w.Header().Set(HeaderRequestID, span.RequestID)
		w.Header().Set(HeaderTraceID, span.TraceID.String())

		rec := &statusRecorder{ResponseWriter: w}
		completed := false
		defer func() {
			if completed {
				return
			}
			v := recover()
			status := rec.status
			if status == 0 {
				status = http.StatusInternalServerError
			}
			if v != nil {
				span.End(status, panicError(v))
				panic(v)
			}
			// runtime.Goexit in the handler
			span.End(status, errHandlerExited)
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
		completed = true

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		span.End(status, nil)
	})
}

var errHandlerExited = errors.New("monitor: handler exited without returning")

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("handler panic: %w", err)
	}
	return fmt.Errorf("handler panic: %v", v)
}
