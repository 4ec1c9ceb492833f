package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tripmesh/pkg"
)

// Metrics are the prometheus collectors shared by harnesses of one process
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
}

// NewMetrics creates and registers the worker collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripmesh",
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Requests handled by the worker harness, by outcome.",
		}, []string{"worker", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripmesh",
			Subsystem: "worker",
			Name:      "request_duration_seconds",
			Help:      "Time from request pickup to published response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tripmesh",
			Subsystem: "worker",
			Name:      "inflight_requests",
			Help:      "Requests currently being processed.",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.requests, m.duration, m.inflight)
	return m
}

func (m *Metrics) observe(w pkg.WorkerType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(w), outcome).Inc()
	m.duration.WithLabelValues(string(w)).Observe(elapsed.Seconds())
}

func (m *Metrics) track(w pkg.WorkerType, delta float64) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(string(w)).Add(delta)
}
