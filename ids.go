package monitor

import (
	"crypto/rand"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// newRequestID creates a UUID v4 request ID.
func newRequestID() string {
	return uuid.NewString()
}

// newTraceID creates a random, valid W3C trace ID.
func newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		fillRandom(id[:])
	}
	return id
}

// newSpanID creates a random, valid W3C span ID.
func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		fillRandom(id[:])
	}
	return id
}

func fillRandom(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("monitor: failed to generate random ID: " + err.Error())
	}
}
