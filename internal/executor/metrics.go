package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the executor's Prometheus collectors.
type Metrics struct {
	attempts *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	confirm  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainstep",
			Name:      "tx_send_attempts_total",
			Help:      "Transaction send attempts, by environment.",
		}, []string{"env"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainstep",
			Name:      "tx_outcomes_total",
			Help:      "Final transaction outcomes, by environment and kind.",
		}, []string{"env", "outcome"}),
		confirm: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chainstep",
			Name:      "tx_confirm_seconds",
			Help:      "Time from first send attempt to confirmed receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"env"}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.outcomes, m.confirm)
	}
	return m
}

func (m *Metrics) attempt(env string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(env).Inc()
}

func (m *Metrics) outcome(env, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(env, outcome).Inc()
}

func (m *Metrics) observeConfirm(env string, seconds float64) {
	if m == nil {
		return
	}
	m.confirm.WithLabelValues(env).Observe(seconds)
}
