package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Runs        prometheus.Counter
	RunDuration prometheus.Histogram
	Ledgers     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_settlement_runs_total",
			Help: "Settlement sweeps started.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_settlement_run_duration_seconds",
			Help:    "Wall time of one settlement sweep.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		Ledgers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_settlement_ledgers_total",
				Help: "Ledgers handled by settlement sweeps, by outcome.",
			},
			[]string{"outcome"},
		),
	}
	registry.MustRegister(m.Runs, m.RunDuration, m.Ledgers)
	return m
}

func (m *Metrics) observeRun(d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) incOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Ledgers.WithLabelValues(outcome).Inc()
}
