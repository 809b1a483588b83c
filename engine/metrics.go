package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicehub/metric"
)

type managerMetrics struct {
	created        prometheus.Counter
	deleted        prometheus.Counter
	createFailures prometheus.Counter
	createDuration prometheus.Histogram
}

func newManagerMetrics(registry *metric.Registry) (*managerMetrics, error) {
	m := &managerMetrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "engine",
			Name:      "created_total",
			Help:      "Engines provisioned successfully",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "engine",
			Name:      "deleted_total",
			Help:      "Engines torn down",
		}),
		createFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "engine",
			Name:      "create_failures_total",
			Help:      "Engine provisioning sagas that rolled back",
		}),
		createDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicehub",
			Subsystem: "engine",
			Name:      "create_duration_seconds",
			Help:      "Engine provisioning time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),
	}

	const service = "engine_manager"
	registrations := map[string]prometheus.Collector{
		"created_total":           m.created,
		"deleted_total":           m.deleted,
		"create_failures_total":   m.createFailures,
		"create_duration_seconds": m.createDuration,
	}
	for name, collector := range registrations {
		if err := registry.Register(service, name, collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type prunerMetrics struct {
	pruned        prometheus.Counter
	cycleDuration prometheus.Histogram
}

func newPrunerMetrics(registry *metric.Registry) (*prunerMetrics, error) {
	m := &prunerMetrics{
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "pruner",
			Name:      "payloads_pruned_total",
			Help:      "Payload log entries deleted by retention",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicehub",
			Subsystem: "pruner",
			Name:      "cycle_duration_seconds",
			Help:      "Prune cycle duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}),
	}

	const service = "payload_pruner"
	registrations := map[string]prometheus.Collector{
		"payloads_pruned_total":  m.pruned,
		"cycle_duration_seconds": m.cycleDuration,
	}
	for name, collector := range registrations {
		if err := registry.Register(service, name, collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
