package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AfshinJalili/paycore/libs/metrics"
)

type Metrics struct {
	Capacity *prometheus.GaugeVec
	Active   *prometheus.GaugeVec
	Waiting  *prometheus.GaugeVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "worker_pool_capacity",
			Help:      "Current admission limit of the worker pool.",
		}, []string{"pool"}),
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "worker_pool_active",
			Help:      "Tasks currently running in the worker pool.",
		}, []string{"pool"}),
		Waiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "worker_pool_waiting",
			Help:      "Tasks waiting for admission to the worker pool.",
		}, []string{"pool"}),
	}
	if registry != nil {
		registry.MustRegister(m.Capacity, m.Active, m.Waiting)
	}
	return m
}

func (m *Metrics) setCapacity(pool string, v int) {
	if m == nil {
		return
	}
	m.Capacity.WithLabelValues(pool).Set(float64(v))
}

func (m *Metrics) setActive(pool string, v int) {
	if m == nil {
		return
	}
	m.Active.WithLabelValues(pool).Set(float64(v))
}

func (m *Metrics) setWaiting(pool string, v int) {
	if m == nil {
		return
	}
	m.Waiting.WithLabelValues(pool).Set(float64(v))
}
