package bulk

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicehub/metric"
)

type writerMetrics struct {
	enqueued      prometheus.Counter
	flushes       prometheus.Counter
	failed        prometheus.Counter
	rejected      prometheus.Counter
	inFlight      prometheus.Gauge
	batchSize     prometheus.Histogram
	flushDuration prometheus.Histogram
}

func newWriterMetrics(registry *metric.Registry) (*writerMetrics, error) {
	m := &writerMetrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "bulk",
			Name:      "enqueued_total",
			Help:      "Total mutations handed to the bulk writer",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "bulk",
			Name:      "flushes_total",
			Help:      "Total bulk flushes executed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "bulk",
			Name:      "items_failed_total",
			Help:      "Mutations that failed inside a bulk flush",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicehub",
			Subsystem: "bulk",
			Name:      "rejected_total",
			Help:      "Enqueues rejected by backpressure",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicehub",
			Subsystem: "bulk",
			Name:      "in_flight",
			Help:      "Mutations enqueued but not yet flushed",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicehub",
			Subsystem: "bulk",
			Name:      "batch_size",
			Help:      "Distribution of flush batch sizes",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicehub",
			Subsystem: "bulk",
			Name:      "flush_duration_seconds",
			Help:      "Time spent in bulk store writes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	const service = "bulk_writer"
	registrations := map[string]prometheus.Collector{
		"enqueued_total":         m.enqueued,
		"flushes_total":          m.flushes,
		"items_failed_total":     m.failed,
		"rejected_total":         m.rejected,
		"in_flight":              m.inFlight,
		"batch_size":             m.batchSize,
		"flush_duration_seconds": m.flushDuration,
	}
	for name, collector := range registrations {
		if err := registry.Register(service, name, collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
