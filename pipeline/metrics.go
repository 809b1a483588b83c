package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicehub/metric"
)

type pipelineMetrics struct {
	payloads        *prometheus.CounterVec
	measurements    prometheus.Counter
	deviceFailures  prometheus.Counter
	processDuration prometheus.Histogram
}

func newPipelineMetrics(registry *metric.Registry) (*pipelineMetrics, error) {
	m := &pipelineMetrics{
		payloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "pipeline",
			Name:      "payloads_total",
			Help:      "Ingested payloads by final state",
		}, []string{"state"}),
		measurements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "pipeline",
			Name:      "measurements_total",
			Help:      "Measurement records persisted",
		}),
		deviceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "pipeline",
			Name:      "device_failures_total",
			Help:      "Per-device processing passes that aborted",
		}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicehub",
			Subsystem: "pipeline",
			Name:      "process_duration_seconds",
			Help:      "End-to-end payload processing time",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
	}

	const service = "pipeline"
	registrations := map[string]prometheus.Collector{
		"payloads_total":           m.payloads,
		"measurements_total":       m.measurements,
		"device_failures_total":    m.deviceFailures,
		"process_duration_seconds": m.processDuration,
	}
	for name, collector := range registrations {
		if err := registry.Register(service, name, collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
