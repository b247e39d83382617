package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OperationsTotal     *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	EngineRetries       *prometheus.CounterVec
	ContentionExhausted *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	Payouts             *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total ledger operations by outcome.",
			},
			[]string{"op", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		EngineRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_engine_retries_total",
				Help: "Attempts repeated after a unique violation or lock timeout.",
			},
			[]string{"op"},
		),
		ContentionExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_contention_exhausted_total",
				Help: "Operations that ran out of retry budget.",
			},
			[]string{"op"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_published_total",
				Help: "Ledger lifecycle events published.",
			},
			[]string{"type", "status"},
		),
		Payouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payouts_total",
				Help: "Payout dispatches for submitted ledgers.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.EngineRetries,
		m.ContentionExhausted,
		m.EventsPublished,
		m.Payouts,
	)
	return m
}

func (m *Metrics) ObserveOperation(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) IncRetry(op string) {
	if m == nil {
		return
	}
	m.EngineRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) IncContention(op string) {
	if m == nil {
		return
	}
	m.ContentionExhausted.WithLabelValues(op).Inc()
}

func (m *Metrics) IncEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) IncPayout(status string) {
	if m == nil {
		return
	}
	m.Payouts.WithLabelValues(status).Inc()
}
