package monitor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

// intakePath is the APM server endpoint for NDJSON event batches.
const intakePath = "intake/v2/events"

// shipper handles async batching and shipping of spans to the APM server intake API.
type shipper struct {
	cfg      *Config
	log      logr.Logger
	metrics  *metrics
	client   *http.Client
	endpoint string
	metadata intakeMetadataLine

	spans    []*RequestSpan // owned by run
	spansCh  chan *RequestSpan
	flushCh  chan chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// mu orders Export against Shutdown: once stopped is set, nothing
	// else enters spansCh, so the final drain sees every queued span.
	mu      sync.RWMutex
	stopped bool

	// ctx aborts in-flight requests and retries when Shutdown gives up.
	ctx    context.Context
	cancel context.CancelFunc

	dropLog rate.Sometimes
}

// newShipper creates a new shipper with the given config.
func newShipper(cfg *Config, log logr.Logger, m *metrics) (*shipper, error) {
	if cfg.BatchSize <= 0 || cfg.FlushEvery <= 0 {
		return nil, fmt.Errorf("%w: batchSize %d, flushEvery %s", ErrInvalidTuning, cfg.BatchSize, cfg.FlushEvery)
	}
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("monitor: invalid server URL: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &shipper{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: base.JoinPath(intakePath).String(),
		metadata: newIntakeMetadata(cfg),
		spans:    make([]*RequestSpan, 0, cfg.BatchSize),
		spansCh:  make(chan *RequestSpan, cfg.BatchSize*2),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		dropLog:  rate.Sometimes{Interval: 10 * time.Second},
	}, nil
}

// start begins the shipper's background goroutine.
func (s *shipper) start() {
	go s.run()
}

// Export queues a finished span for shipping. It never blocks: when the
// queue is full or the shipper is stopped, the span is dropped.
func (s *shipper) Export(span *RequestSpan) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		s.drop("shipper stopped")
		return
	}
	select {
	case s.spansCh <- span:
	default:
		s.drop("shipper buffer full")
	}
}

func (s *shipper) drop(reason string) {
	s.metrics.spansDropped.Inc()
	s.dropLog.Do(func() {
		s.log.Info("dropping span", "reason", reason)
	})
}

// Flush ships all queued spans and waits for the attempt to finish.
func (s *shipper) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-s.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, ships what is queued and waits for the run loop to
// exit. If ctx expires first, in-flight shipping is aborted.
func (s *shipper) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.stopCh)
		s.mu.Unlock()
	})
	defer s.cancel()
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.doneCh
		return ctx.Err()
	}
}

// run is the main loop for the shipper goroutine.
func (s *shipper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case span := <-s.spansCh:
			s.spans = append(s.spans, span)
			if len(s.spans) >= s.cfg.BatchSize {
				s.doFlush()
			}

		case <-ticker.C:
			s.doFlush()

		case done := <-s.flushCh:
			s.drain()
			s.doFlush()
			close(done)

		case <-s.stopCh:
			s.drain()
			s.doFlush()
			return
		}
	}
}

// drain moves every span waiting in the channel into the current batch,
// shipping full batches along the way.
func (s *shipper) drain() {
	for {
		select {
		case span := <-s.spansCh:
			s.spans = append(s.spans, span)
			if len(s.spans) >= s.cfg.BatchSize {
				s.doFlush()
			}
		default:
			return
		}
	}
}

// doFlush sends the current batch to the intake endpoint.
func (s *shipper) doFlush() {
	if len(s.spans) == 0 {
		return
	}

	// Take the current batch
	batch := s.spans
	s.spans = make([]*RequestSpan, 0, s.cfg.BatchSize)

	body, err := encodeIntake(s.metadata, batch, s.cfg.Gzip)
	if err != nil {
		s.fail(err, len(batch))
		return
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.cfg.RetryMaxElapsed
	err = backoff.Retry(func() error { return s.post(body) }, backoff.WithContext(b, s.ctx))
	if err != nil {
		s.fail(err, len(batch))
		return
	}
	s.metrics.spansShipped.Add(float64(len(batch)))
}

func (s *shipper) fail(err error, n int) {
	s.metrics.shipFailures.Inc()
	s.metrics.spansDropped.Add(float64(n))
	s.log.Error(err, "failed to ship spans", "spans", n)
}

// post performs one intake request. Client errors other than 429 are not retried.
func (s *shipper) post(body []byte) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("monitor: failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if s.cfg.SecretToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.SecretToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("monitor: failed to ship spans: %w", err)
	}
	defer resp.Body.Close()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("monitor: intake returned status %d", resp.StatusCode)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}
