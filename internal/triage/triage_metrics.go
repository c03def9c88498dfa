package triage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	IngestErrorsTotal *prometheus.CounterVec
	DecisionDuration  prometheus.Histogram
	AlertsTotal       *prometheus.CounterVec
	DigestRunsTotal   *prometheus.CounterVec
	DigestDrained     prometheus.Counter
	PolicyMutations   *prometheus.CounterVec
	MuteEvictions     prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_events_total",
			Help: "Total triaged events by disposition.",
		}, []string{"disposition"}),
		IngestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_ingest_errors_total",
			Help: "Events that failed ingestion, by pipeline stage.",
		}, []string{"stage"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hush_decision_duration_seconds",
			Help:    "Time spent evaluating triage rules per event.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us .. ~160ms
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_alerts_total",
			Help: "Alerts handed to the sink by kind and outcome.",
		}, []string{"kind", "outcome"}),
		DigestRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_digest_runs_total",
			Help: "Digest generations by label and outcome.",
		}, []string{"label", "outcome"}),
		DigestDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hush_digest_drained_total",
			Help: "Held events moved to processed by digest drains.",
		}),
		PolicyMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_policy_mutations_total",
			Help: "Policy mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		MuteEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hush_mute_evictions_total",
			Help: "Expired mutes evicted on read.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.IngestErrorsTotal,
		m.DecisionDuration,
		m.AlertsTotal,
		m.DigestRunsTotal,
		m.DigestDrained,
		m.PolicyMutations,
		m.MuteEvictions,
	)

	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// PipelineHooks returns hooks that increment the ingestion metrics.
func (m *Metrics) PipelineHooks() PipelineHooks {
	return PipelineHooks{
		OnDecision: func(d Disposition, dur time.Duration) {
			m.EventsTotal.WithLabelValues(string(d)).Inc()
			m.DecisionDuration.Observe(dur.Seconds())
		},
		OnIngestError: func(stage string) {
			m.IngestErrorsTotal.WithLabelValues(stage).Inc()
		},
		OnAlert: func(kind string, err error) {
			m.AlertsTotal.WithLabelValues(kind, outcome(err)).Inc()
		},
	}
}

// DigestHooks returns hooks that increment the digest metrics.
func (m *Metrics) DigestHooks() DigestHooks {
	return DigestHooks{
		OnRun: func(label string, err error) {
			m.DigestRunsTotal.WithLabelValues(label, outcome(err)).Inc()
		},
		OnDrained: func(n int) {
			m.DigestDrained.Add(float64(n))
		},
		OnAlert: func(kind string, err error) {
			m.AlertsTotal.WithLabelValues(kind, outcome(err)).Inc()
		},
	}
}

// PolicyHooks returns hooks that increment the policy metrics.
func (m *Metrics) PolicyHooks() PolicyHooks {
	return PolicyHooks{
		OnMutation: func(op string, err error) {
			m.PolicyMutations.WithLabelValues(op, outcome(err)).Inc()
		},
		OnEviction: func(string) {
			m.MuteEvictions.Inc()
		},
	}
}

// QueueDepthGauge reports how many accepted events wait in q.
func QueueDepthGauge(q *QueueSource) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hush_ingest_queue_depth",
		Help: "Accepted events waiting for the ingestion task.",
	}, func() float64 { return float64(q.Len()) })
}
