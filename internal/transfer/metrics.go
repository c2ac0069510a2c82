package transfer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionUpload   = "upload"
	directionDownload = "download"

	statusOK     = "ok"
	statusFailed = "failed"
)

// Metrics are the prometheus collectors for chunk transfers. A nil *Metrics
// records nothing.
type Metrics struct {
	chunks   *prometheus.CounterVec
	retries  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns collectors registered once with the default registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNewMetrics creates the collectors and registers them with reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookvault",
			Subsystem: "transfer",
			Name:      "chunks_total",
			Help:      "Chunks transferred, by direction and final status.",
		}, []string{"direction", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookvault",
			Subsystem: "transfer",
			Name:      "retries_total",
			Help:      "Chunk attempts that failed transiently and were retried.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookvault",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Chunk payload bytes transferred.",
		}, []string{"direction"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookvault",
			Subsystem: "transfer",
			Name:      "chunk_duration_seconds",
			Help:      "Time per chunk including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"direction"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hookvault",
			Subsystem: "transfer",
			Name:      "active_operations",
			Help:      "Uploads and downloads currently running.",
		}),
	}
	reg.MustRegister(m.chunks, m.retries, m.bytes, m.duration, m.active)
	return m
}

func (m *Metrics) observeChunk(direction, status string, size int64, d time.Duration) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(direction, status).Inc()
	m.duration.WithLabelValues(direction).Observe(d.Seconds())
	if size > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(size))
	}
}

func (m *Metrics) retried(direction string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(direction).Inc()
}

func (m *Metrics) operationStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) operationFinished() {
	if m == nil {
		return
	}
	m.active.Dec()
}
