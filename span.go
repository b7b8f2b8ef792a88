package monitor

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Outcome is the result classification of a finished span.
type Outcome string

const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// RequestSpan is the timed record of one HTTP request.
// The exported fields describing the request are set by Client.StartSpan;
// the remaining fields are filled in exactly once by End.
type RequestSpan struct {
	TraceID   trace.TraceID
	ID        trace.SpanID
	ParentID  trace.SpanID // zero when the request started a new trace
	RequestID string

	Method string
	Path   string
	Host   string
	Scheme string
	Start  time.Time

	// Set by End.
	StatusCode int
	Duration   time.Duration
	Outcome    Outcome
	Err        error

	mu     sync.Mutex
	route  string
	ended  bool
	finish func(*RequestSpan)
}

// SetRoute records the matched route template (e.g. "/health").
// Calls after End are ignored.
func (s *RequestSpan) SetRoute(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.route = route
	}
}

// Route returns the matched route template, or "" if no route matched.
func (s *RequestSpan) Route() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// Name returns the transaction name, e.g. "GET /health".
func (s *RequestSpan) Name() string {
	route := s.Route()
	if route == "" {
		return s.Method + " unknown route"
	}
	return s.Method + " " + route
}

// Result returns the status class, e.g. "HTTP 2xx".
func (s *RequestSpan) Result() string {
	if s.StatusCode < 100 {
		return ""
	}
	return fmt.Sprintf("HTTP %dxx", s.StatusCode/100)
}

// End finalizes the span with the given response status and optional error.
// Only the first call has any effect, so every span is reported once.
func (s *RequestSpan) End(statusCode int, err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.StatusCode = statusCode
	s.Duration = time.Since(s.Start)
	s.Err = err
	switch {
	case err != nil || statusCode >= http.StatusInternalServerError:
		s.Outcome = OutcomeFailure
	case statusCode > 0:
		s.Outcome = OutcomeSuccess
	default:
		s.Outcome = OutcomeUnknown
	}
	finish := s.finish
	s.mu.Unlock()

	if finish != nil {
		finish(s)
	}
}

// Ended reports whether End has been called.
func (s *RequestSpan) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
