package executor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	spawned   *prometheus.CounterVec
	completed *prometheus.CounterVec
	panicked  *prometheus.CounterVec
	inflight  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qbridge",
			Name:      "tasks_spawned_total",
			Help:      "Total number of tasks submitted to the runtime.",
		}, []string{"task"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qbridge",
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks finished without a panic.",
		}, []string{"task"}),
		panicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qbridge",
			Name:      "tasks_panicked_total",
			Help:      "Total number of tasks terminated by a contained panic.",
		}, []string{"task"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qbridge",
			Name:      "tasks_inflight",
			Help:      "Number of submitted tasks not finished yet.",
		}),
	}

	var err error
	if m.spawned, err = register(reg, m.spawned); err != nil {
		return nil, err
	}
	if m.completed, err = register(reg, m.completed); err != nil {
		return nil, err
	}
	if m.panicked, err = register(reg, m.panicked); err != nil {
		return nil, err
	}
	if m.inflight, err = register(reg, m.inflight); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered under the same name
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
