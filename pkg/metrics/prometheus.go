// Package metrics provides Prometheus metrics for the sidelink enrichment service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the sidelink service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Resolver Metrics - Tiered deep link resolution outcomes
	resolutionsTotal  *prometheus.CounterVec
	resolutionLatency prometheus.Histogram

	// Search Metrics - External provider calls
	searchCalls   prometheus.Counter
	searchRetries prometheus.Counter
	searchErrors  *prometheus.CounterVec
	searchLatency prometheus.Histogram

	// Cache and Lock Metrics - Idempotency behavior
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheWriteErrors prometheus.Counter
	lockAcquired     prometheus.Counter
	lockHeld         prometheus.Counter
	lockErrors       prometheus.Counter

	// Job Metrics - Background enrichment execution
	jobsScheduled prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsTimedOut  prometheus.Counter
	jobsSynthetic prometheus.Counter
	jobLatency    prometheus.Histogram

	// Dispatcher Metrics - Concurrency bound and backlog
	dispatcherRunning prometheus.Gauge
	dispatcherQueued  prometheus.Gauge

	// Hub Metrics - Live subscriber delivery
	hubConnections      prometheus.Gauge
	hubSubscriptions    prometheus.Gauge
	hubBroadcasts       prometheus.Counter
	hubReplays          prometheus.Counter
	hubSendErrors       prometheus.Counter
	hubMalformedInbound prometheus.Counter

	// Terminal State Metrics
	terminalEntries prometheus.Gauge
	terminalSweeps  prometheus.Counter

	// KV Store Metrics
	kvErrors *prometheus.CounterVec

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "sidelink",
		subsystem:        "enrich",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}

	// Apply all options
	for _, opt := range opts {
		opt(m)
	}

	// Initialize metrics
	m.initializeMetrics()

	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	// Ensure metrics are registered on the configured registry (custom by default)
	auto := promauto.With(m.registry)

	// Resolver Metrics - Which tier answered and with what outcome
	m.resolutionsTotal = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "resolutions_total",
			Help:      "Total number of deep link resolutions by layer and status",
		},
		[]string{"layer", "status"},
	)

	m.resolutionLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "resolution_latency_milliseconds",
		Help:      "Histogram of full resolution latency in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	// Search Metrics - External provider call volume and health
	m.searchCalls = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "search_calls_total",
		Help:      "Total number of external search calls issued",
	})

	m.searchRetries = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "search_retries_total",
		Help:      "Total number of external search retry attempts",
	})

	m.searchErrors = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "search_errors_total",
			Help:      "Total number of external search failures by kind",
		},
		[]string{"kind"},
	)

	m.searchLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "search_latency_milliseconds",
		Help:      "External search call latency in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	// Cache and Lock Metrics - Duplicate-spend protection
	m.cacheHits = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "cache_hits_total",
		Help:      "Total number of enrichment cache hits",
	})

	m.cacheMisses = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "cache_misses_total",
		Help:      "Total number of enrichment cache misses",
	})

	m.cacheWriteErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "cache_write_errors_total",
		Help:      "Total number of failed enrichment cache writes",
	})

	m.lockAcquired = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "lock_acquired_total",
		Help:      "Total number of idempotency locks acquired",
	})

	m.lockHeld = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "lock_held_total",
		Help:      "Total number of lock attempts skipped because another worker held the lock",
	})

	m.lockErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "lock_errors_total",
		Help:      "Total number of lock attempts that failed against the backing store",
	})

	// Job Metrics - Enrichment execution
	m.jobsScheduled = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "jobs_scheduled_total",
		Help:      "Total number of enrichment jobs scheduled",
	})

	m.jobsCompleted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "jobs_completed_total",
		Help:      "Total number of enrichment jobs that wrote a definitive result",
	})

	m.jobsTimedOut = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "jobs_timed_out_total",
		Help:      "Total number of enrichment jobs cut off by the hard timeout",
	})

	m.jobsSynthetic = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "jobs_synthetic_fallback_total",
		Help:      "Total number of not-found patches synthesized because dispatch was unavailable",
	})

	m.jobLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "job_latency_milliseconds",
		Help:      "Enrichment job execution latency in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	// Dispatcher Metrics - Bounded concurrency
	m.dispatcherRunning = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "dispatcher_running",
		Help:      "Number of enrichment jobs currently executing",
	})

	m.dispatcherQueued = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "dispatcher_queued",
		Help:      "Number of enrichment jobs waiting for a free slot",
	})

	// Hub Metrics - Subscriber delivery
	m.hubConnections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "hub_connections",
		Help:      "Current number of live websocket connections",
	})

	m.hubSubscriptions = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "hub_subscriptions",
		Help:      "Current number of request subscriptions across all connections",
	})

	m.hubBroadcasts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "hub_broadcasts_total",
		Help:      "Total number of broadcast deliveries to individual connections",
	})

	m.hubReplays = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "hub_replays_total",
		Help:      "Total number of terminal states replayed to late subscribers",
	})

	m.hubSendErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "hub_send_errors_total",
		Help:      "Total number of dropped or failed sends to connections",
	})

	m.hubMalformedInbound = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "hub_malformed_inbound_total",
		Help:      "Total number of malformed inbound client messages dropped",
	})

	// Terminal State Metrics
	m.terminalEntries = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "terminal_entries",
		Help:      "Current number of recorded terminal states",
	})

	m.terminalSweeps = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "terminal_sweeps_total",
		Help:      "Total number of expired terminal states swept",
	})

	// KV Store Metrics
	m.kvErrors = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "kv_errors_total",
			Help:      "Total number of key-value store errors by operation",
		},
		[]string{"op"},
	)

	// HTTP Performance Metrics - User experience indicators
	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by endpoint and method",
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_request_duration_milliseconds",
			Help:      "HTTP request duration in milliseconds (user experience)",
			Buckets:   m.histogramBuckets,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	// System Performance Metrics
	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_memory_usage_bytes",
		Help:      "System memory usage in bytes",
	})

	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_goroutine_count",
		Help:      "Number of goroutines",
	})

	m.systemGCPauseTime = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_gc_pause_time_milliseconds",
		Help:      "GC pause time in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
}

// Resolver Metrics Functions.

// RecordResolution records a finished resolution with its tier and status.
func RecordResolution(layer string, status string) {
	globalManager.resolutionsTotal.WithLabelValues(layer, status).Inc()
}

// RecordResolutionLatency records full resolution latency in milliseconds.
func RecordResolutionLatency(latencyMs float64) {
	globalManager.resolutionLatency.Observe(latencyMs)
}

// Search Metrics Functions.

// RecordSearchCall increments the external search call counter.
func RecordSearchCall() {
	globalManager.searchCalls.Inc()
}

// RecordSearchRetry increments the external search retry counter.
func RecordSearchRetry() {
	globalManager.searchRetries.Inc()
}

// RecordSearchError records a search failure with a kind label
// (transient, permanent, no_credentials).
func RecordSearchError(kind string) {
	globalManager.searchErrors.WithLabelValues(kind).Inc()
}

// RecordSearchLatency records external search call latency.
func RecordSearchLatency(latencyMs float64) {
	globalManager.searchLatency.Observe(latencyMs)
}

// Cache and Lock Metrics Functions.

// RecordCacheHit increments the cache hit counter.
func RecordCacheHit() {
	globalManager.cacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func RecordCacheMiss() {
	globalManager.cacheMisses.Inc()
}

// RecordCacheWriteError increments the failed cache write counter.
func RecordCacheWriteError() {
	globalManager.cacheWriteErrors.Inc()
}

// RecordLockAcquired increments the acquired lock counter.
func RecordLockAcquired() {
	globalManager.lockAcquired.Inc()
}

// RecordLockHeld increments the held lock counter.
func RecordLockHeld() {
	globalManager.lockHeld.Inc()
}

// RecordLockError increments the lock error counter.
func RecordLockError() {
	globalManager.lockErrors.Inc()
}

// Job Metrics Functions.

// RecordJobScheduled increments the scheduled jobs counter.
func RecordJobScheduled() {
	globalManager.jobsScheduled.Inc()
}

// RecordJobCompleted increments the completed jobs counter.
func RecordJobCompleted() {
	globalManager.jobsCompleted.Inc()
}

// RecordJobTimeout increments the timed out jobs counter.
func RecordJobTimeout() {
	globalManager.jobsTimedOut.Inc()
}

// RecordJobSyntheticFallback increments the synthetic fallback counter.
func RecordJobSyntheticFallback() {
	globalManager.jobsSynthetic.Inc()
}

// RecordJobLatency records job execution latency in milliseconds.
func RecordJobLatency(latencyMs float64) {
	globalManager.jobLatency.Observe(latencyMs)
}

// Dispatcher Metrics Functions.

// UpdateDispatcherRunning sets the number of currently executing jobs.
func UpdateDispatcherRunning(count int) {
	globalManager.dispatcherRunning.Set(float64(count))
}

// UpdateDispatcherQueued sets the number of queued jobs.
func UpdateDispatcherQueued(count int) {
	globalManager.dispatcherQueued.Set(float64(count))
}

// Hub Metrics Functions.

// UpdateHubConnections sets the current live connection count.
func UpdateHubConnections(count int) {
	globalManager.hubConnections.Set(float64(count))
}

// UpdateHubSubscriptions sets the current subscription count.
func UpdateHubSubscriptions(count int) {
	globalManager.hubSubscriptions.Set(float64(count))
}

// RecordHubBroadcast increments the broadcast delivery counter.
func RecordHubBroadcast() {
	globalManager.hubBroadcasts.Inc()
}

// RecordHubReplay increments the replay counter.
func RecordHubReplay() {
	globalManager.hubReplays.Inc()
}

// RecordHubSendError increments the send error counter.
func RecordHubSendError() {
	globalManager.hubSendErrors.Inc()
}

// RecordHubMalformedInbound increments the malformed inbound message counter.
func RecordHubMalformedInbound() {
	globalManager.hubMalformedInbound.Inc()
}

// Terminal State Metrics Functions.

// UpdateTerminalEntries sets the current number of terminal states.
func UpdateTerminalEntries(count int) {
	globalManager.terminalEntries.Set(float64(count))
}

// RecordTerminalSweep adds swept entries to the sweep counter.
func RecordTerminalSweep(count int) {
	globalManager.terminalSweeps.Add(float64(count))
}

// KV Store Metrics Functions.

// RecordKVError records a key-value store error for an operation label.
func RecordKVError(op string) {
	globalManager.kvErrors.WithLabelValues(op).Inc()
}

// HTTP Metrics Functions.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// System Metrics Functions.

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

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
