package monitor

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// receivedBatch is one intake request accepted by the fake collector.
type receivedBatch struct {
	header http.Header
	path   string
	lines  []map[string]json.RawMessage
}

type fakeCollector struct {
	*httptest.Server
	mu       sync.Mutex
	batches  []receivedBatch
	attempts atomic.Int32
	status   func(attempt int32) int
}

func newFakeCollector(t *testing.T, status func(attempt int32) int) *fakeCollector {
	t.Helper()
	fc := &fakeCollector{status: status}
	fc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := fc.attempts.Add(1)
		code := http.StatusAccepted
		if fc.status != nil {
			code = fc.status(attempt)
		}
		if code >= 400 {
			w.WriteHeader(code)
			return
		}

		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(r.Body)
			if err != nil {
				t.Errorf("gzip.NewReader() error = %v", err)
				return
			}
			body = gr
		}

		batch := receivedBatch{header: r.Header.Clone(), path: r.URL.Path}
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			var line map[string]json.RawMessage
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				t.Errorf("invalid NDJSON line %q: %v", scanner.Text(), err)
				continue
			}
			batch.lines = append(batch.lines, line)
		}

		fc.mu.Lock()
		fc.batches = append(fc.batches, batch)
		fc.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(fc.Close)
	return fc
}

func (fc *fakeCollector) Batches() []receivedBatch {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]receivedBatch(nil), fc.batches...)
}

// serveN sends n requests through the client's middleware.
func serveN(c *Client, n int) {
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < n; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	}
}

func TestShipperDeliversIntakeBatch(t *testing.T) {
	fc := newFakeCollector(t, nil)
	c, err := New(Config{
		ServiceName: "test-service",
		Environment: "test",
		ServerURL:   fc.URL,
		SecretToken: "s3cret",
		FlushEvery:  time.Hour,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Shutdown(context.Background())

	serveN(c, 3)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	batches := fc.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if b.path != "/intake/v2/events" {
		t.Errorf("path = %q, want /intake/v2/events", b.path)
	}
	if got := b.header.Get("Authorization"); got != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want Bearer s3cret", got)
	}
	if got := b.header.Get("Content-Type"); got != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", got)
	}
	if len(b.lines) != 4 {
		t.Fatalf("lines = %d, want metadata + 3 transactions", len(b.lines))
	}

	var meta intakeMetadata
	if err := json.Unmarshal(b.lines[0]["metadata"], &meta); err != nil {
		t.Fatalf("first line is not metadata: %v", err)
	}
	if meta.Service.Name != "test-service" || meta.Service.Environment != "test" {
		t.Errorf("metadata service = %+v", meta.Service)
	}

	for _, line := range b.lines[1:] {
		var tx intakeTransaction
		if err := json.Unmarshal(line["transaction"], &tx); err != nil {
			t.Fatalf("line is not a transaction: %v", err)
		}
		if tx.Outcome != "success" || tx.Context.Response.StatusCode != 200 {
			t.Errorf("transaction = %+v, want 200 success", tx)
		}
		if len(tx.TraceID) != 32 || len(tx.ID) != 16 {
			t.Errorf("transaction IDs = %q/%q, want W3C sizes", tx.TraceID, tx.ID)
		}
		if tx.Type != "request" || tx.Context.Request.URL.Pathname != "/health" {
			t.Errorf("transaction = %+v", tx)
		}
	}

	if got := testutil.ToFloat64(c.metrics.spansShipped); got != 3 {
		t.Errorf("spans shipped = %v, want 3", got)
	}
}

func TestShipperGzip(t *testing.T) {
	fc := newFakeCollector(t, nil)
	c, err := New(Config{ServiceName: "test-service", ServerURL: fc.URL, Gzip: true, FlushEvery: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	serveN(c, 2)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	batches := fc.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if got := batches[0].header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if len(batches[0].lines) != 3 {
		t.Errorf("lines = %d, want 3", len(batches[0].lines))
	}
	if got := batches[0].header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want none without a secret token", got)
	}
}

func TestShipperBatchSize(t *testing.T) {
	fc := newFakeCollector(t, nil)
	c, err := New(Config{ServiceName: "test-service", ServerURL: fc.URL, BatchSize: 3, FlushEvery: time.Hour})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	serveN(c, 5)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	total := 0
	for _, b := range fc.Batches() {
		if n := len(b.lines) - 1; n > 3 {
			t.Errorf("batch carries %d spans, want at most 3", n)
		}
		total += len(b.lines) - 1
	}
	if total != 5 {
		t.Errorf("shipped transactions = %d, want 5", total)
	}
}

func TestShipperRetries(t *testing.T) {
	t.Run("server error is retried", func(t *testing.T) {
		fc := newFakeCollector(t, func(attempt int32) int {
			if attempt == 1 {
				return http.StatusServiceUnavailable
			}
			return http.StatusAccepted
		})
		c, err := New(Config{ServiceName: "test-service", ServerURL: fc.URL, FlushEvery: time.Hour})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer c.Shutdown(context.Background())

		serveN(c, 1)
		if err := c.Flush(context.Background()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if got := fc.attempts.Load(); got != 2 {
			t.Errorf("attempts = %d, want 2", got)
		}
		if got := testutil.ToFloat64(c.metrics.spansShipped); got != 1 {
			t.Errorf("spans shipped = %v, want 1", got)
		}
	})

	t.Run("client error is permanent", func(t *testing.T) {
		fc := newFakeCollector(t, func(int32) int { return http.StatusUnauthorized })
		c, err := New(Config{ServiceName: "test-service", ServerURL: fc.URL, FlushEvery: time.Hour})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer c.Shutdown(context.Background())

		serveN(c, 1)
		if err := c.Flush(context.Background()); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if got := fc.attempts.Load(); got != 1 {
			t.Errorf("attempts = %d, want 1", got)
		}
		if got := testutil.ToFloat64(c.metrics.shipFailures); got != 1 {
			t.Errorf("ship failures = %v, want 1", got)
		}
		if got := testutil.ToFloat64(c.metrics.spansDropped); got != 1 {
			t.Errorf("spans dropped = %v, want 1", got)
		}
	})
}

func TestShipperUnreachableCollector(t *testing.T) {
	// Nothing listens on a closed test server's address.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	c, err := New(Config{
		ServiceName:     "test-service",
		ServerURL:       dead.URL,
		RetryMaxElapsed: 50 * time.Millisecond,
		FlushEvery:      10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"healthy"}`)
	}))

	start := time.Now()
	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		if w.Code != http.StatusOK || w.Body.String() != `{"status":"healthy"}` {
			t.Fatalf("response = %d %q, want 200 body unchanged", w.Code, w.Body.String())
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("requests took %v with an unreachable collector", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := testutil.ToFloat64(c.metrics.spansShipped); got != 0 {
		t.Errorf("spans shipped = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.metrics.spansDropped); got != 20 {
		t.Errorf("spans dropped = %v, want 20", got)
	}
}

func TestShipperDropsWhenFull(t *testing.T) {
	cfg := &Config{ServiceName: "test-service", ServerURL: "http://127.0.0.1:1", BatchSize: 1, FlushEvery: time.Hour}
	m := newMetrics(prometheus.NewRegistry())
	s, err := newShipper(cfg, logr.Discard(), m)
	if err != nil {
		t.Fatalf("newShipper() error = %v", err)
	}

	// Not started: the queue holds 2*BatchSize spans.
	for i := 0; i < 3; i++ {
		s.Export(&RequestSpan{})
	}
	if got := testutil.ToFloat64(m.spansDropped); got != 1 {
		t.Errorf("spans dropped = %v, want 1", got)
	}
}

func TestShipperExportAfterShutdown(t *testing.T) {
	fc := newFakeCollector(t, nil)
	c, err := New(Config{ServiceName: "test-service", ServerURL: fc.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	// A second Shutdown is harmless.
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}

	serveN(c, 1)
	if got := testutil.ToFloat64(c.metrics.spansDropped); got != 1 {
		t.Errorf("spans dropped = %v, want 1", got)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Errorf("Flush() after Shutdown error = %v", err)
	}
}

func TestEncodeIntakeErrorLine(t *testing.T) {
	span := &RequestSpan{
		TraceID: newTraceID(),
		ID:      newSpanID(),
		Method:  "GET",
		Start:   time.Now(),
	}
	span.End(http.StatusInternalServerError, panicError("boom"))

	body, err := encodeIntake(newIntakeMetadata(&Config{ServiceName: "svc"}), []*RequestSpan{span}, false)
	if err != nil {
		t.Fatalf("encodeIntake() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want metadata + transaction + error", len(lines))
	}

	var line intakeErrorLine
	if err := json.Unmarshal([]byte(lines[2]), &line); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if line.Error.TransactionID != span.ID.String() || line.Error.TraceID != span.TraceID.String() {
		t.Errorf("error line IDs = %+v, want linked to the transaction", line.Error)
	}
	if !strings.Contains(line.Error.Exception.Message, "boom") {
		t.Errorf("exception message = %q, want boom", line.Error.Exception.Message)
	}
	if len(line.Error.ID) != 32 {
		t.Errorf("error ID = %q, want 32 hex chars", line.Error.ID)
	}
}

func TestShipperRejectsInvalidTuning(t *testing.T) {
	t.Run("negative batch size", func(t *testing.T) {
		_, err := New(Config{ServiceName: "test-service", ServerURL: "http://127.0.0.1:1", BatchSize: -1})
		if !errors.Is(err, ErrInvalidTuning) {
			t.Errorf("New() error = %v, want ErrInvalidTuning", err)
		}
	})

	t.Run("negative flush interval", func(t *testing.T) {
		_, err := New(Config{ServiceName: "test-service", ServerURL: "http://127.0.0.1:1", FlushEvery: -time.Second})
		if !errors.Is(err, ErrInvalidTuning) {
			t.Errorf("New() error = %v, want ErrInvalidTuning", err)
		}
	})

	t.Run("zero values without defaults", func(t *testing.T) {
		cfg := &Config{ServiceName: "test-service", ServerURL: "http://127.0.0.1:1"}
		_, err := newShipper(cfg, logr.Discard(), newMetrics(prometheus.NewRegistry()))
		if !errors.Is(err, ErrInvalidTuning) {
			t.Errorf("newShipper() error = %v, want ErrInvalidTuning", err)
		}
	})
}

func TestShipperShutdownAccountsForEverySpan(t *testing.T) {
	fc := newFakeCollector(t, nil)
	c, err := New(Config{ServiceName: "test-service", ServerURL: fc.URL, BatchSize: 10})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s := c.exporter.(*shipper)

	const workers, perWorker = 20, 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.Export(&RequestSpan{Method: "GET", Start: time.Now()})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	wg.Wait()

	shipped := testutil.ToFloat64(c.metrics.spansShipped)
	dropped := testutil.ToFloat64(c.metrics.spansDropped)
	if shipped+dropped != workers*perWorker {
		t.Errorf("shipped %v + dropped %v = %v, want %d", shipped, dropped, shipped+dropped, workers*perWorker)
	}
}
