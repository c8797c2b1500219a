// Package metrics provides the Prometheus metrics of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload results.
const (
	UploadAccepted         = "accepted"
	UploadRejected         = "rejected"
	UploadUpgradeSuggested = "upgrade_suggested"
	UploadError            = "error"
)

// Metrics contains all Prometheus metrics of the service.
type Metrics struct {
	UploadsTotal      *prometheus.CounterVec
	UploadBytes       prometheus.Counter
	JobsTotal         *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	DetectionDuration prometheus.Histogram
	ObjectsDetected   *prometheus.CounterVec
	StreamClients     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("metrics: register: %w", err)
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("metrics: register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("metrics: register process collector: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscope_uploads_total",
			Help: "Upload attempts partitioned by subscription tier and result.",
		},
		[]string{"tier", "result"},
	)
	m.UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vidscope_upload_bytes_total",
			Help: "Bytes of video stored.",
		},
	)
	m.JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscope_jobs_total",
			Help: "Processing jobs partitioned by outcome.",
		},
		[]string{"status"},
	)
	m.QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidscope_queue_depth",
			Help: "Jobs currently in the processing queue.",
		},
	)
	m.DetectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vidscope_detection_duration_seconds",
			Help:    "Time taken by the detector for one video.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
	)
	m.ObjectsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidscope_objects_detected_total",
			Help: "Tracked objects detected, partitioned by object class.",
		},
		[]string{"class"},
	)
	m.StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidscope_stream_clients",
			Help: "Connected queue stream clients.",
		},
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordUpload counts an upload attempt and, when accepted, its bytes.
func (m *Metrics) RecordUpload(tier, result string, bytes int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(tier, result).Inc()
	if result == UploadAccepted && bytes > 0 {
		m.UploadBytes.Add(float64(bytes))
	}
}

// RecordJob counts a job reaching status.
func (m *Metrics) RecordJob(status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth sets the number of queued jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordDetection records a detector run and the classes it found.
func (m *Metrics) RecordDetection(durationSeconds float64, classes []string) {
	if m == nil {
		return
	}
	m.DetectionDuration.Observe(durationSeconds)
	for _, c := range classes {
		m.ObjectsDetected.WithLabelValues(c).Inc()
	}
}

// StreamOpened and StreamClosed track queue stream connections.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamClients.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamClients.Dec()
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.UploadsTotal.Describe(ch)
	ch <- m.UploadBytes.Desc()
	m.JobsTotal.Describe(ch)
	ch <- m.QueueDepth.Desc()
	ch <- m.DetectionDuration.Desc()
	m.ObjectsDetected.Describe(ch)
	ch <- m.StreamClients.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.UploadsTotal.Collect(ch)
	ch <- m.UploadBytes
	m.JobsTotal.Collect(ch)
	ch <- m.QueueDepth
	ch <- m.DetectionDuration
	m.ObjectsDetected.Collect(ch)
	ch <- m.StreamClients
}
