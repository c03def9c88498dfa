package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for scheduled jobs.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	SkippedTotal *prometheus.CounterVec
}

// NewMetrics registers and returns scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_scheduler_runs_total",
			Help: "Scheduled job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hush_scheduler_run_duration_seconds",
			Help:    "Wall time of scheduled job runs.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}, []string{"job"}),
		SkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_scheduler_skipped_total",
			Help: "Fires skipped because the previous run of the job was still in flight.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDuration, m.SkippedTotal)
	return m
}

// Hooks returns scheduler hooks that record into m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRun: func(id string, err error, d time.Duration) {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			m.RunsTotal.WithLabelValues(id, outcome).Inc()
			m.RunDuration.WithLabelValues(id).Observe(d.Seconds())
		},
		OnSkipped: func(id string) {
			m.SkippedTotal.WithLabelValues(id).Inc()
		},
	}
}
