package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports per-index query counters and latency histograms.
type Metrics struct {
	searches *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics registers coordinator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vexfs",
			Subsystem: "coordinator",
			Name:      "searches_total",
			Help:      "Completed searches per index.",
		}, []string{"index"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vexfs",
			Subsystem: "coordinator",
			Name:      "search_failures_total",
			Help:      "Failed searches per index.",
		}, []string{"index"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vexfs",
			Subsystem: "coordinator",
			Name:      "search_duration_seconds",
			Help:      "Search latency per index.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 2, 16),
		}, []string{"index"}),
	}
	reg.MustRegister(m.searches, m.failures, m.latency)
	return m
}

// Observe records one completed search.
func (m *Metrics) Observe(indexName string, d time.Duration, ok bool) {
	m.searches.WithLabelValues(indexName).Inc()
	if !ok {
		m.failures.WithLabelValues(indexName).Inc()
	}
	m.latency.WithLabelValues(indexName).Observe(d.Seconds())
}
