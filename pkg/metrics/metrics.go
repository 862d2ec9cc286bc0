package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Resilience metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	RetryAttempts      *prometheus.CounterVec
	UpstreamRequests   *prometheus.CounterVec
	UpstreamDuration   *prometheus.HistogramVec

	// Batch metrics
	BatchItems    *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	ItemsInFlight prometheus.Gauge

	// Sync metrics
	SyncRuns          *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	SyncTargets       *prometheus.CounterVec
	LastSyncTimestamp *prometheus.GaugeVec
	PatternsExtracted *prometheus.CounterVec
	PatternsPersisted *prometheus.CounterVec

	// System metrics
	DatabaseConnections   *prometheus.GaugeVec
	DatabaseQueryDuration *prometheus.HistogramVec
	ErrorsTotal           *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registry defaults to the global Prometheus registry
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "evalsync",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics. A disabled
// configuration returns a Metrics whose recorders are no-ops.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	m := &Metrics{
		HTTPRequestsTotal:    counter("http_requests_total", "Total number of admin API requests", "method", "path", "status_code"),
		HTTPRequestDuration:  histogram("http_request_duration_seconds", "Admin API request duration in seconds", prometheus.DefBuckets, "method", "path", "status_code"),
		HTTPRequestsInFlight: gauge("http_requests_in_flight", "Number of admin API requests currently being processed", "method", "path"),

		BreakerState:       gauge("circuit_breaker_state", "Circuit breaker state (0=closed, 1=open, 2=half-open)", "breaker"),
		BreakerTransitions: counter("circuit_breaker_transitions_total", "Circuit breaker state transitions", "breaker", "from", "to"),
		RetryAttempts:      counter("retry_attempts_total", "Retries scheduled after a failed attempt", "endpoint"),
		UpstreamRequests:   counter("upstream_requests_total", "Requests sent to the telemetry platform", "operation", "status_class"),
		UpstreamDuration:   histogram("upstream_request_duration_seconds", "Telemetry platform request duration in seconds", prometheus.DefBuckets, "operation"),

		BatchItems:    counter("batch_items_total", "Batch items by outcome", "status"),
		BatchDuration: histogram("batch_run_duration_seconds", "Batch run duration in seconds", []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}),
		ItemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "batch_items_in_flight",
			Help:      "Batch items currently being processed",
		}),

		SyncRuns:          counter("sync_runs_total", "Sync cycles by trigger and result", "trigger", "result"),
		SyncDuration:      histogram("sync_run_duration_seconds", "Sync cycle duration in seconds", []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800}, "trigger"),
		SyncTargets:       counter("sync_targets_total", "Sync target attempts by outcome", "dataset", "status"),
		LastSyncTimestamp: gauge("last_sync_timestamp_seconds", "Unix time of the last attempted sync per dataset", "dataset"),
		PatternsExtracted: counter("patterns_extracted_total", "Pattern candidates produced by extraction", "kind"),
		PatternsPersisted: counter("patterns_persisted_total", "Pattern rows written by upsert", "kind"),

		DatabaseConnections:   gauge("database_connections", "Number of database connections", "state"),
		DatabaseQueryDuration: histogram("database_query_duration_seconds", "Database query duration in seconds", []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, "operation", "table"),
		ErrorsTotal:           counter("errors_total", "Errors by component and type", "component", "error_type"),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if config.Registry != nil {
		registerer = config.Registry
		m.gatherer = config.Registry
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BreakerState,
		m.BreakerTransitions,
		m.RetryAttempts,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.BatchItems,
		m.BatchDuration,
		m.ItemsInFlight,
		m.SyncRuns,
		m.SyncDuration,
		m.SyncTargets,
		m.LastSyncTimestamp,
		m.PatternsExtracted,
		m.PatternsPersisted,
		m.DatabaseConnections,
		m.DatabaseQueryDuration,
		m.ErrorsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordBreakerTransition records a breaker state change. State values
// follow the breaker's own ordering: 0 closed, 1 open, 2 half-open.
func (m *Metrics) RecordBreakerTransition(breaker, from, to string, state int) {
	if m == nil || m.BreakerState == nil {
		return
	}

	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordRetry counts a scheduled retry
func (m *Metrics) RecordRetry(endpoint string) {
	if m == nil || m.RetryAttempts == nil {
		return
	}

	m.RetryAttempts.WithLabelValues(endpoint).Inc()
}

// RecordUpstreamRequest records one HTTP call to the telemetry platform
func (m *Metrics) RecordUpstreamRequest(operation string, statusCode int, duration time.Duration) {
	if m == nil || m.UpstreamRequests == nil {
		return
	}

	class := "error"
	if statusCode > 0 {
		class = strconv.Itoa(statusCode/100) + "xx"
	}
	m.UpstreamRequests.WithLabelValues(operation, class).Inc()
	m.UpstreamDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBatchItem counts one finished batch item
func (m *Metrics) RecordBatchItem(status string) {
	if m == nil || m.BatchItems == nil {
		return
	}

	m.BatchItems.WithLabelValues(status).Inc()
}

// RecordBatchRun observes the duration of a whole batch run
func (m *Metrics) RecordBatchRun(duration time.Duration) {
	if m == nil || m.BatchDuration == nil {
		return
	}

	m.BatchDuration.WithLabelValues().Observe(duration.Seconds())
}

// ItemStarted and ItemFinished track in-flight batch items
func (m *Metrics) ItemStarted() {
	if m == nil || m.ItemsInFlight == nil {
		return
	}
	m.ItemsInFlight.Inc()
}

func (m *Metrics) ItemFinished() {
	if m == nil || m.ItemsInFlight == nil {
		return
	}
	m.ItemsInFlight.Dec()
}

// RecordSyncRun records a finished sync cycle
func (m *Metrics) RecordSyncRun(trigger string, failed int, duration time.Duration) {
	if m == nil || m.SyncRuns == nil {
		return
	}

	result := "success"
	if failed > 0 {
		result = "partial_failure"
	}
	m.SyncRuns.WithLabelValues(trigger, result).Inc()
	m.SyncDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordSyncTarget records the outcome of one dataset in a cycle
func (m *Metrics) RecordSyncTarget(dataset, status string, at time.Time) {
	if m == nil || m.SyncTargets == nil {
		return
	}

	m.SyncTargets.WithLabelValues(dataset, status).Inc()
	if status != "skipped" {
		m.LastSyncTimestamp.WithLabelValues(dataset).Set(float64(at.Unix()))
	}
}

// RecordPatterns counts extracted and persisted patterns of a kind
func (m *Metrics) RecordPatterns(kind string, extracted, persisted int) {
	if m == nil || m.PatternsExtracted == nil {
		return
	}

	m.PatternsExtracted.WithLabelValues(kind).Add(float64(extracted))
	m.PatternsPersisted.WithLabelValues(kind).Add(float64(persisted))
}

// UpdateDatabaseConnections updates database connection metrics
func (m *Metrics) UpdateDatabaseConnections(stats sql.DBStats) {
	if m == nil || m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	m.DatabaseConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	m.DatabaseConnections.WithLabelValues("max").Set(float64(stats.MaxOpenConnections))
}

// RecordDatabaseQuery records database query metrics
func (m *Metrics) RecordDatabaseQuery(operation, table string, duration time.Duration) {
	if m == nil || m.DatabaseQueryDuration == nil {
		return
	}

	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// MetricsCollector samples connection pool statistics periodically
type MetricsCollector struct {
	metrics  *Metrics
	stats    func() sql.DBStats
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, stats func() sql.DBStats, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		stats:    stats,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collectMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collectMetrics() {
	if mc.stats == nil {
		return
	}
	mc.metrics.UpdateDatabaseConnections(mc.stats())
}
