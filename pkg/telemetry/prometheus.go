package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the monitoring pipeline
type Metrics struct {
	// Queue metrics
	eventsPublished *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueEvictions  *prometheus.CounterVec

	// Processor metrics
	eventsProcessed *prometheus.CounterVec
	drainDuration   prometheus.Histogram

	// Memory metrics
	entriesActive   prometheus.Gauge
	entryEvictions  *prometheus.CounterVec
	bodyTruncations prometheus.Counter
	memoryUsage     prometheus.Gauge

	// Throttle metrics
	throttleDecisions *prometheus.CounterVec
	throttleInterval  prometheus.Gauge

	// Log rotation metrics
	logRotations   *prometheus.CounterVec
	logFilesPruned prometheus.Counter
	logWriteErrors prometheus.Counter

	// Resource cleaner metrics
	resourcesActive  prometheus.Gauge
	resourceReclaims *prometheus.CounterVec

	// Performance metrics
	performanceScore prometheus.Gauge
	alertsTotal      *prometheus.CounterVec
	optimizations    *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_events_published_total",
				Help: "Total number of events published to the event queue by kind",
			},
			[]string{"kind"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_queue_depth",
				Help: "Number of events waiting in the event queue",
			},
		),

		queueEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_queue_evictions_total",
				Help: "Total number of events evicted from a full queue by priority",
			},
			[]string{"priority"},
		),

		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_events_processed_total",
				Help: "Total number of events handled by the processor by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "monitor_drain_cycle_duration_seconds",
				Help:    "Duration of a processor drain cycle in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),

		entriesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_entries",
				Help: "Number of monitoring entries held in memory",
			},
		),

		entryEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_entry_evictions_total",
				Help: "Total number of monitoring entries evicted by reason",
			},
			[]string{"reason"},
		),

		bodyTruncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_body_truncations_total",
				Help: "Total number of request or response bodies truncated",
			},
		),

		memoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_process_memory_mb",
				Help: "Last sampled process resident memory in megabytes",
			},
		),

		throttleDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_throttle_decisions_total",
				Help: "Total number of update requests by throttle decision",
			},
			[]string{"decision"},
		),

		throttleInterval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_throttle_interval_seconds",
				Help: "Current minimum interval between update callbacks",
			},
		),

		logRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_log_rotations_total",
				Help: "Total number of log segment rotations by trigger",
			},
			[]string{"trigger"},
		),

		logFilesPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_log_files_removed_total",
				Help: "Total number of sealed log segments removed by retention",
			},
		),

		logWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_log_write_errors_total",
				Help: "Total number of log segment I/O failures",
			},
		),

		resourcesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_resources_tracked",
				Help: "Number of resources tracked by the resource cleaner",
			},
		),

		resourceReclaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_resource_reclaims_total",
				Help: "Total number of resource reclamations by kind and status",
			},
			[]string{"kind", "status"},
		),

		performanceScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_performance_score",
				Help: "Weighted performance score between 0 and 100",
			},
		),

		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_alerts_total",
				Help: "Total number of performance alerts fired by kind",
			},
			[]string{"kind"},
		),

		optimizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_optimizations_total",
				Help: "Total number of forced optimization passes by trigger",
			},
			[]string{"trigger"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	// Register all metrics
	registry.MustRegister(
		m.eventsPublished,
		m.queueDepth,
		m.queueEvictions,
		m.eventsProcessed,
		m.drainDuration,
		m.entriesActive,
		m.entryEvictions,
		m.bodyTruncations,
		m.memoryUsage,
		m.throttleDecisions,
		m.throttleInterval,
		m.logRotations,
		m.logFilesPruned,
		m.logWriteErrors,
		m.resourcesActive,
		m.resourceReclaims,
		m.performanceScore,
		m.alertsTotal,
		m.optimizations,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordPublish records an event entering the queue and the resulting depth
func (m *Metrics) RecordPublish(kind string, depth int) {
	m.eventsPublished.WithLabelValues(kind).Inc()
	m.queueDepth.Set(float64(depth))
}

// RecordQueueEviction records an event dropped by queue backpressure
func (m *Metrics) RecordQueueEviction(priority string) {
	m.queueEvictions.WithLabelValues(priority).Inc()
}

// UpdateQueueDepth sets the queue depth gauge
func (m *Metrics) UpdateQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordEventProcessed records the outcome of one processed event
func (m *Metrics) RecordEventProcessed(kind, outcome string) {
	m.eventsProcessed.WithLabelValues(kind, outcome).Inc()
}

// RecordDrainCycle records the duration of one drain cycle
func (m *Metrics) RecordDrainCycle(duration time.Duration) {
	m.drainDuration.Observe(duration.Seconds())
}

// UpdateEntries sets the number of entries held in memory
func (m *Metrics) UpdateEntries(count int) {
	m.entriesActive.Set(float64(count))
}

// RecordEntryEvictions records entries removed by the memory manager
func (m *Metrics) RecordEntryEvictions(reason string, count int) {
	m.entryEvictions.WithLabelValues(reason).Add(float64(count))
}

// RecordTruncation records a truncated body payload
func (m *Metrics) RecordTruncation() {
	m.bodyTruncations.Inc()
}

// UpdateMemoryUsage sets the sampled process memory gauge
func (m *Metrics) UpdateMemoryUsage(mb float64) {
	m.memoryUsage.Set(mb)
}

// RecordThrottleDecision records an update request outcome
func (m *Metrics) RecordThrottleDecision(decision string) {
	m.throttleDecisions.WithLabelValues(decision).Inc()
}

// UpdateThrottleInterval sets the current throttle interval gauge
func (m *Metrics) UpdateThrottleInterval(interval time.Duration) {
	m.throttleInterval.Set(interval.Seconds())
}

// RecordRotation records a sealed log segment
func (m *Metrics) RecordRotation(trigger string) {
	m.logRotations.WithLabelValues(trigger).Inc()
}

// RecordLogFilesRemoved records sealed segments removed by retention
func (m *Metrics) RecordLogFilesRemoved(count int) {
	m.logFilesPruned.Add(float64(count))
}

// RecordLogWriteError records a log I/O failure
func (m *Metrics) RecordLogWriteError() {
	m.logWriteErrors.Inc()
}

// UpdateResourcesTracked sets the number of tracked resources
func (m *Metrics) UpdateResourcesTracked(count int) {
	m.resourcesActive.Set(float64(count))
}

// RecordReclaim records a resource reclamation attempt
func (m *Metrics) RecordReclaim(kind string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.resourceReclaims.WithLabelValues(kind, status).Inc()
}

// UpdatePerformanceScore sets the performance score gauge
func (m *Metrics) UpdatePerformanceScore(score float64) {
	m.performanceScore.Set(score)
}

// RecordAlert records a fired performance alert
func (m *Metrics) RecordAlert(kind string) {
	m.alertsTotal.WithLabelValues(kind).Inc()
}

// RecordOptimization records a forced optimization pass
func (m *Metrics) RecordOptimization(trigger string) {
	m.optimizations.WithLabelValues(trigger).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		endpoint := getEndpointName(r.URL.Path)
		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is required for the websocket feed behind this middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/snapshot":
		return "snapshot"
	case "/entries":
		return "entries"
	case "/optimize":
		return "optimize"
	case "/report":
		return "report"
	case "/ws":
		return "ws"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
