package monitor

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
)

// Intake API v2 documents, one per NDJSON line.

const (
	agentName    = "go-monitor"
	agentVersion = "0.2.0"
)

type intakeMetadataLine struct {
	Metadata intakeMetadata `json:"metadata"`
}

type intakeMetadata struct {
	Service intakeService `json:"service"`
}

type intakeService struct {
	Name        string      `json:"name"`
	Version     string      `json:"version,omitempty"`
	Environment string      `json:"environment,omitempty"`
	Agent       intakeAgent `json:"agent"`
	Language    intakeName  `json:"language"`
}

type intakeAgent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type intakeName struct {
	Name string `json:"name"`
}

type intakeTransactionLine struct {
	Transaction intakeTransaction `json:"transaction"`
}

type intakeTransaction struct {
	ID        string          `json:"id"`
	TraceID   string          `json:"trace_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // microseconds since epoch
	Duration  float64         `json:"duration"`  // milliseconds
	Result    string          `json:"result,omitempty"`
	Outcome   string          `json:"outcome"`
	Sampled   bool            `json:"sampled"`
	SpanCount intakeSpanCount `json:"span_count"`
	Context   intakeContext   `json:"context"`
}

type intakeSpanCount struct {
	Started int `json:"started"`
}

type intakeContext struct {
	Request  intakeRequest     `json:"request"`
	Response intakeResponse    `json:"response"`
	Tags     map[string]string `json:"tags,omitempty"`
}

type intakeRequest struct {
	Method string    `json:"method"`
	URL    intakeURL `json:"url"`
}

type intakeURL struct {
	Protocol string `json:"protocol,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Pathname string `json:"pathname"`
}

type intakeResponse struct {
	StatusCode int `json:"status_code"`
}

type intakeErrorLine struct {
	Error intakeError `json:"error"`
}

type intakeError struct {
	ID            string          `json:"id"`
	TraceID       string          `json:"trace_id"`
	ParentID      string          `json:"parent_id"`
	TransactionID string          `json:"transaction_id"`
	Timestamp     int64           `json:"timestamp"`
	Culprit       string          `json:"culprit,omitempty"`
	Exception     intakeException `json:"exception"`
}

type intakeException struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func newIntakeMetadata(cfg *Config) intakeMetadataLine {
	return intakeMetadataLine{Metadata: intakeMetadata{Service: intakeService{
		Name:        cfg.ServiceName,
		Version:     cfg.ServiceVersion,
		Environment: cfg.Environment,
		Agent:       intakeAgent{Name: agentName, Version: agentVersion},
		Language:    intakeName{Name: "go"},
	}}}
}

func newIntakeTransaction(s *RequestSpan) intakeTransactionLine {
	tx := intakeTransaction{
		ID:        s.ID.String(),
		TraceID:   s.TraceID.String(),
		Name:      s.Name(),
		Type:      "request",
		Timestamp: s.Start.UnixMicro(),
		Duration:  float64(s.Duration.Microseconds()) / 1000,
		Result:    s.Result(),
		Outcome:   string(s.Outcome),
		Sampled:   true,
		Context: intakeContext{
			Request: intakeRequest{
				Method: s.Method,
				URL: intakeURL{
					Protocol: s.Scheme + ":",
					Hostname: s.Host,
					Pathname: s.Path,
				},
			},
			Response: intakeResponse{StatusCode: s.StatusCode},
		},
	}
	if s.ParentID.IsValid() {
		tx.ParentID = s.ParentID.String()
	}
	if s.RequestID != "" {
		tx.Context.Tags = map[string]string{"request_id": s.RequestID}
	}
	return intakeTransactionLine{Transaction: tx}
}

func newIntakeError(s *RequestSpan) intakeErrorLine {
	return intakeErrorLine{Error: intakeError{
		ID:            newSpanID().String() + newSpanID().String(),
		TraceID:       s.TraceID.String(),
		ParentID:      s.ID.String(),
		TransactionID: s.ID.String(),
		Timestamp:     s.Start.Add(s.Duration).UnixMicro(),
		Culprit:       s.Name(),
		Exception: intakeException{
			Message: s.Err.Error(),
			Type:    fmt.Sprintf("%T", s.Err),
		},
	}}
}

// encodeIntake renders metadata followed by one line per span (plus one
// error line per failed span), optionally gzip-compressed.
func encodeIntake(metadata intakeMetadataLine, batch []*RequestSpan, gzipped bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(metadata); err != nil {
		return nil, fmt.Errorf("monitor: encoding metadata: %w", err)
	}
	for _, s := range batch {
		if err := enc.Encode(newIntakeTransaction(s)); err != nil {
			return nil, fmt.Errorf("monitor: encoding transaction: %w", err)
		}
		if s.Err != nil {
			if err := enc.Encode(newIntakeError(s)); err != nil {
				return nil, fmt.Errorf("monitor: encoding error: %w", err)
			}
		}
	}
	if !gzipped {
		return buf.Bytes(), nil
	}

	var gzipBuf bytes.Buffer
	gw := gzip.NewWriter(&gzipBuf)
	if _, err := gw.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("monitor: gzip write failed: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("monitor: gzip close failed: %w", err)
	}
	return gzipBuf.Bytes(), nil
}
