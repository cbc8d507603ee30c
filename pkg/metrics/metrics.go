// Package metrics exposes the Prometheus collectors of the indexing, query and
// payload storage paths.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// Metrics holds all Prometheus collectors of the payload index.
type Metrics struct {
	DocsIndexedTotal    prometheus.Counter
	DocsRemovedTotal    prometheus.Counter
	QueriesTotal        *prometheus.CounterVec
	QueryLatency        *prometheus.HistogramVec
	QueryResultsCount   prometheus.Histogram
	EstimationsTotal    *prometheus.CounterVec
	IndexBuildsTotal    *prometheus.CounterVec
	IndexFlushesTotal   *prometheus.CounterVec
	MappedBytes         *prometheus.GaugeVec
	HardwareCostTotal   *prometheus.CounterVec
	ConsumerEventsTotal *prometheus.CounterVec
	StorageOpsTotal     *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	QueryCacheTotal      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "text_index_docs_indexed_total",
				Help: "Total documents inserted into mutable text indexes.",
			},
		),
		DocsRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "text_index_docs_removed_total",
				Help: "Total documents removed from mutable text indexes.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "text_index_queries_total",
				Help: "Total text queries by match kind and backend.",
			},
			[]string{"kind", "backend"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "text_index_query_latency_seconds",
				Help:    "Text query latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"kind"},
		),
		QueryResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "text_index_query_results_count",
				Help:    "Number of points matched per text query.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		EstimationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payload_index_estimations_total",
				Help: "Total cardinality estimations by scope (field, filter, nested).",
			},
			[]string{"scope"},
		),
		IndexBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payload_index_builds_total",
				Help: "Total field index builds by status (built, already_built, incompatible, error).",
			},
			[]string{"status"},
		),
		IndexFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payload_index_flushes_total",
				Help: "Total index flush operations by status.",
			},
			[]string{"status"},
		),
		MappedBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "text_index_mapped_bytes",
				Help: "Bytes of index files currently memory-mapped, per field.",
			},
			[]string{"field"},
		),
		HardwareCostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payload_index_hardware_cost_total",
				Help: "Measured query cost by hardware counter category.",
			},
			[]string{"category"},
		),
		ConsumerEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payload_consumer_events_total",
				Help: "Payload update events consumed by operation and status.",
			},
			[]string{"op", "status"},
		),
		StorageOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payload_storage_ops_total",
				Help: "Payload storage operations by backend, operation and status.",
			},
			[]string{"backend", "op", "status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests by method, path and status code.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being served.",
			},
		),
		QueryCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payload_query_cache_total",
				Help: "Query cache lookups by result (hit, miss).",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.DocsIndexedTotal,
		m.DocsRemovedTotal,
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryResultsCount,
		m.EstimationsTotal,
		m.IndexBuildsTotal,
		m.IndexFlushesTotal,
		m.MappedBytes,
		m.HardwareCostTotal,
		m.ConsumerEventsTotal,
		m.StorageOpsTotal,
		m.CircuitBreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.QueryCacheTotal,
	)

	return m
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide collectors, registered with the default
// Prometheus registry on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New(prometheus.DefaultRegisterer)
	})
	return defaultM
}

// ObserveHardware adds a request's measured cost to the per-category totals.
func (m *Metrics) ObserveHardware(s hwcounter.Snapshot) {
	m.HardwareCostTotal.WithLabelValues("cpu").Add(float64(s.CPU))
	m.HardwareCostTotal.WithLabelValues("payload_io_read").Add(float64(s.PayloadRead))
	m.HardwareCostTotal.WithLabelValues("payload_io_write").Add(float64(s.PayloadWrite))
	m.HardwareCostTotal.WithLabelValues("payload_index_io_read").Add(float64(s.PayloadIndexRead))
	m.HardwareCostTotal.WithLabelValues("payload_index_io_write").Add(float64(s.PayloadIndexWrite))
}

// Status maps an error to the status label used by the counters.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
