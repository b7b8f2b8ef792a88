package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the client's self-observability collectors.
type metrics struct {
	spansStarted  prometheus.Counter
	spansFinished *prometheus.CounterVec
	spansOpen     prometheus.Gauge
	spansDropped  prometheus.Counter
	spansShipped  prometheus.Counter
	shipFailures  prometheus.Counter
	duration      *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		spansStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "apm_spans_started_total",
			Help: "Number of request spans opened.",
		}),
		spansFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "apm_spans_finished_total",
			Help: "Number of request spans finalized, by outcome.",
		}, []string{"outcome"}),
		spansOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "apm_spans_open",
			Help: "Number of request spans opened but not yet finalized.",
		}),
		spansDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "apm_spans_dropped_total",
			Help: "Number of finished spans dropped before reaching the collector.",
		}),
		spansShipped: f.NewCounter(prometheus.CounterOpts{
			Name: "apm_spans_shipped_total",
			Help: "Number of spans accepted by the collector.",
		}),
		shipFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "apm_ship_failures_total",
			Help: "Number of batches the collector did not accept after retrying.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests seen by the monitoring middleware.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
}

func (m *metrics) observeStart() {
	m.spansStarted.Inc()
	m.spansOpen.Inc()
}

func (m *metrics) observeEnd(s *RequestSpan) {
	m.spansOpen.Dec()
	m.spansFinished.WithLabelValues(string(s.Outcome)).Inc()
	route := s.Route()
	if route == "" {
		route = "unknown"
	}
	m.duration.WithLabelValues(s.Method, route, strconv.Itoa(s.StatusCode)).Observe(s.Duration.Seconds())
}
