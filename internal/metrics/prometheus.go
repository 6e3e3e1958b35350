package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec
	BatchSize         *prometheus.HistogramVec

	// Transaction metrics
	TransactionsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	TenantsLoaded prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AsyncQueueDepth prometheus.Gauge
}

// NewMetrics creates metrics and registers them with reg. A nil registerer
// creates unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metastore_operations_total",
				Help: "Total number of metadata operations processed",
			},
			[]string{"operation", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metastore_operation_duration_seconds",
				Help:    "Duration of metadata operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metastore_operation_errors_total",
				Help: "Total number of failed metadata operations by error code",
			},
			[]string{"operation", "error_code"},
		),

		BatchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metastore_batch_size",
				Help:    "Number of items per batch operation",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"operation"},
		),

		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metastore_transactions_total",
				Help: "Total number of units of work by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metastore_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metastore_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		TenantsLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "metastore_tenants_loaded",
				Help: "Number of tenants in the resolver cache",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metastore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metastore_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AsyncQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "metastore_async_queue_depth",
				Help: "Number of asynchronous operations waiting for a worker",
			},
		),
	}
}

// RecordOperation records the outcome of one service operation
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records an error metric
func (m *Metrics) RecordError(operation, errorCode string) {
	m.OperationErrors.WithLabelValues(operation, errorCode).Inc()
}

// RecordBatchSize records the size of a batch operation
func (m *Metrics) RecordBatchSize(operation string, size int) {
	m.BatchSize.WithLabelValues(operation).Observe(float64(size))
}

// RecordTransaction records a finished unit of work
func (m *Metrics) RecordTransaction(mode, outcome string) {
	m.TransactionsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMisses.WithLabelValues(cache).Inc()
}

// UpdateTenantsLoaded updates the loaded tenant count
func (m *Metrics) UpdateTenantsLoaded(count int) {
	m.TenantsLoaded.Set(float64(count))
}

// RecordHTTPRequest records one HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// UpdateAsyncQueueDepth updates the async queue gauge
func (m *Metrics) UpdateAsyncQueueDepth(depth int) {
	m.AsyncQueueDepth.Set(float64(depth))
}
