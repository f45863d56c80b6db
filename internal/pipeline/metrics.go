package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pipeline observability. A nil registerer keeps the
// collectors private to this instance (tests, embedded use).
type Metrics struct {
	queued       *prometheus.GaugeVec
	completedCtr *prometheus.CounterVec
	cancelledCtr *prometheus.CounterVec
	failed       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_pipeline_queue_depth",
			Help: "Tasks enqueued and not yet finished, per lane.",
		}, []string{"lane"}),
		completedCtr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_tasks_completed_total",
			Help: "Tasks that ran to completion, per lane.",
		}, []string{"lane"}),
		cancelledCtr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_tasks_cancelled_total",
			Help: "Tasks cancelled before running, per lane.",
		}, []string{"lane"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_tasks_failed_total",
			Help: "Tasks that returned an error, per lane.",
		}, []string{"lane"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_pipeline_task_seconds",
			Help:    "Task run duration, per lane.",
			Buckets: prometheus.DefBuckets,
		}, []string{"lane"}),
	}
	if reg != nil {
		reg.MustRegister(m.queued, m.completedCtr, m.cancelledCtr, m.failed, m.latency)
	}
	return m
}

func (m *Metrics) enqueued(lane string) {
	m.queued.WithLabelValues(lane).Inc()
}

func (m *Metrics) completed(lane string, d time.Duration, err error) {
	m.queued.WithLabelValues(lane).Dec()
	m.completedCtr.WithLabelValues(lane).Inc()
	m.latency.WithLabelValues(lane).Observe(d.Seconds())
	if err != nil {
		m.failed.WithLabelValues(lane).Inc()
	}
}

func (m *Metrics) cancelled(lane string) {
	m.queued.WithLabelValues(lane).Dec()
	m.cancelledCtr.WithLabelValues(lane).Inc()
}
