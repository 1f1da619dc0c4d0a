// Package metrics provides Prometheus metrics for the guidepulse service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes used as the "outcome" label.
const (
	OutcomeAccepted        = "accepted"
	OutcomeDuplicate       = "duplicate"
	OutcomeConsentRequired = "consent_required"
	OutcomeInvalid         = "invalid"
	OutcomeError           = "error"
)

// Manager manages all Prometheus metrics for the guidepulse service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Core business metrics
	submissions        *prometheus.CounterVec
	evaluationsStored  prometheus.Counter
	aggregateUpserts   prometheus.Counter
	submitLatency      prometheus.Histogram
	submitRetries      prometheus.Counter
	historyRequests    prometheus.Counter
	consentChanges     *prometheus.CounterVec
	catalogGuidelines  prometheus.Gauge
	historyRangeLength prometheus.Histogram

	// Repository metrics
	repositoryTxLatency    prometheus.Histogram
	repositoryQueryLatency prometheus.Histogram
	repositoryErrors       *prometheus.CounterVec

	// HTTP performance metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Error metrics
	errorRateByType     *prometheus.CounterVec
	errorRateByEndpoint *prometheus.CounterVec

	// System performance metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "guidepulse",
		subsystem:        "evaluations",
		histogramBuckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.submissions = auto.NewCounterVec(
		m.counterOpts("submissions_total", "Total number of submissions by outcome"),
		[]string{"outcome"},
	)
	m.evaluationsStored = auto.NewCounter(m.counterOpts("evaluations_stored_total", "Total number of evaluation records persisted"))
	m.aggregateUpserts = auto.NewCounter(m.counterOpts("aggregate_upserts_total", "Total number of daily aggregate increments applied"))
	m.submitLatency = auto.NewHistogram(m.histogramOpts("submit_latency_milliseconds", "End-to-end submission latency in milliseconds", m.histogramBuckets))
	m.submitRetries = auto.NewCounter(m.counterOpts("submit_retries_total", "Total number of submission attempts retried after a busy store"))
	m.historyRequests = auto.NewCounter(m.counterOpts("history_requests_total", "Total number of trend history reads"))
	m.consentChanges = auto.NewCounterVec(
		m.counterOpts("consent_changes_total", "Total number of consent registry changes by action"),
		[]string{"action"},
	)
	m.catalogGuidelines = auto.NewGauge(m.gaugeOpts("catalog_guidelines", "Number of guidelines in the catalog"))
	m.historyRangeLength = auto.NewHistogram(m.histogramOpts("history_range_days", "Requested trend history length in days", []float64{1, 7, 14, 30, 60, 90, 180}))

	m.repositoryTxLatency = auto.NewHistogram(m.histogramOpts("repository_tx_latency_milliseconds", "Repository transaction latency in milliseconds", m.histogramBuckets))
	m.repositoryQueryLatency = auto.NewHistogram(m.histogramOpts("repository_query_latency_milliseconds", "Repository read latency in milliseconds", m.histogramBuckets))
	m.repositoryErrors = auto.NewCounterVec(
		m.counterOpts("repository_errors_total", "Total number of repository errors by operation"),
		[]string{"operation"},
	)

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds", m.histogramBuckets),
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorRateByType = auto.NewCounterVec(
		m.counterOpts("errors_by_type_total", "Total number of errors by type"),
		[]string{"error_type", "severity"},
	)
	m.errorRateByEndpoint = auto.NewCounterVec(
		m.counterOpts("errors_by_endpoint_total", "Total number of errors by endpoint"),
		[]string{"endpoint", "method", "error_type"},
	)

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "System memory usage in bytes"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}))
}

// RecordSubmission counts one submission with the given outcome.
func RecordSubmission(outcome string) {
	globalManager.submissions.WithLabelValues(outcome).Inc()
}

// RecordEvaluationsStored adds n persisted evaluation records.
func RecordEvaluationsStored(n int) {
	globalManager.evaluationsStored.Add(float64(n))
}

// RecordAggregateUpserts adds n aggregate increments.
func RecordAggregateUpserts(n int) {
	globalManager.aggregateUpserts.Add(float64(n))
}

// RecordSubmitLatency records submission latency in milliseconds.
func RecordSubmitLatency(latencyMs float64) {
	globalManager.submitLatency.Observe(latencyMs)
}

// RecordSubmitRetry increments the retry counter.
func RecordSubmitRetry() {
	globalManager.submitRetries.Inc()
}

// RecordHistoryRequest counts a history read over the given number of days.
func RecordHistoryRequest(days int) {
	globalManager.historyRequests.Inc()
	globalManager.historyRangeLength.Observe(float64(days))
}

// RecordConsentChange counts a consent registry change ("recorded", "withdrawn").
func RecordConsentChange(action string) {
	globalManager.consentChanges.WithLabelValues(action).Inc()
}

// UpdateCatalogGuidelines sets the number of guidelines in the catalog.
func UpdateCatalogGuidelines(count int) {
	globalManager.catalogGuidelines.Set(float64(count))
}

// RecordRepositoryTxLatency records repository transaction latency.
func RecordRepositoryTxLatency(latencyMs float64) {
	globalManager.repositoryTxLatency.Observe(latencyMs)
}

// RecordRepositoryQueryLatency records repository read latency.
func RecordRepositoryQueryLatency(latencyMs float64) {
	globalManager.repositoryQueryLatency.Observe(latencyMs)
}

// RecordRepositoryError counts a repository failure for an operation.
func RecordRepositoryError(operation string) {
	globalManager.repositoryErrors.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// Configure rebuilds the global manager with opts on a fresh registry.
// Call it once at startup, before any recorder runs.
func Configure(opts ...Option) {
	customRegistry = prometheus.NewRegistry()
	globalManager = NewManager(append(opts, WithPrometheusRegistry(customRegistry))...)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
