package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Render loop metrics
	FramesRenderedTotal prometheus.Counter
	FrameRenderErrors   prometheus.Counter
	FrameRenderDuration prometheus.Histogram
	FilterDuration      *prometheus.HistogramVec

	// Capture metrics
	CaptureChunksTotal   prometheus.Counter
	CaptureBytesTotal    prometheus.Counter
	CaptureSessionsTotal *prometheus.CounterVec

	// Lifecycle metrics
	ReportsSubmittedTotal  *prometheus.CounterVec
	StatusTransitionsTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Storage operation metrics
		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		// Event publishing metrics
		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		// Render loop metrics
		FramesRenderedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_frames_total",
			Help: "Total number of frames presented by the render loop",
		}),

		FrameRenderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_frame_errors_total",
			Help: "Total number of render iterations that failed",
		}),

		FrameRenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_frame_duration_seconds",
			Help:    "Render iteration duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .016, .033, .05, .1, .25},
		}),

		FilterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anonymize_filter_duration_seconds",
			Help:    "Pixel region filter duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"method"}),

		// Capture metrics
		CaptureChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_chunks_total",
			Help: "Total number of encoded chunks appended while recording",
		}),

		CaptureBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_bytes_total",
			Help: "Total number of encoded bytes appended while recording",
		}),

		CaptureSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_sessions_total",
			Help: "Total number of capture session starts",
		}, []string{"status"}),

		// Lifecycle metrics
		ReportsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reports_submitted_total",
			Help: "Total number of report submissions",
		}, []string{"status"}),

		StatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "report_status_transitions_total",
			Help: "Total number of report status transition attempts",
		}, []string{"from", "to", "result"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.FramesRenderedTotal)
	registerOrGet(m.FrameRenderErrors)
	registerOrGet(m.FrameRenderDuration)
	registerOrGet(m.FilterDuration)
	registerOrGet(m.CaptureChunksTotal)
	registerOrGet(m.CaptureBytesTotal)
	registerOrGet(m.CaptureSessionsTotal)
	registerOrGet(m.ReportsSubmittedTotal)
	registerOrGet(m.StatusTransitionsTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// statusLabel maps an error to the "status" label value.
func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStorage records one storage operation.
func (m *Metrics) ObserveStorage(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := statusLabel(err)
	m.StorageOperationTotal.WithLabelValues(operation, status).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, status).Observe(seconds)
}

// ObserveEvent records one event publish.
func (m *Metrics) ObserveEvent(eventType string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := statusLabel(err)
	m.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	m.EventPublishDuration.WithLabelValues(eventType, status).Observe(seconds)
}
