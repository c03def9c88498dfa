package redisfwd

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for event forwarding.
type Metrics struct {
	ForwardTotal *prometheus.CounterVec
}

// NewMetrics registers and returns forwarder metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ForwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_forward_total",
			Help: "Events handed to the forwarder by outcome (sent, dropped, failed).",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.ForwardTotal)
	return m
}

// Hooks returns forwarder hooks that record into m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnForward: func(outcome string) {
			m.ForwardTotal.WithLabelValues(outcome).Inc()
		},
	}
}

// PendingGauge reports the forwarder's buffered backlog.
func PendingGauge(f *Forwarder) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hush_forward_pending",
		Help: "Recorded events buffered for the redis stream.",
	}, func() float64 { return float64(f.Pending()) })
}
