// Package metric manages Prometheus metric registration for Device Hub
// components. Each component registers its metrics under a service name so
// duplicate registrations fail loudly at startup instead of colliding inside
// the Prometheus registry at scrape time.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/devicehub/errors"
)

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prom       *prometheus.Registry
	registered map[string]prometheus.Collector
	mu         sync.Mutex
}

// NewRegistry creates a metrics registry with Go runtime collectors attached.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prom:       prom,
		registered: make(map[string]prometheus.Collector),
	}
}

// Prometheus returns the underlying Prometheus registry for scrape handlers.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register registers a collector under a service-scoped metric name.
func (r *Registry) Register(serviceName, metricName string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for service %s", metricName, serviceName),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", "Register", "prometheus registration")
	}

	r.registered[key] = collector
	return nil
}

// Unregister removes a metric. Returns true when the metric was registered.
func (r *Registry) Unregister(serviceName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}
	r.prom.Unregister(collector)
	delete(r.registered, key)
	return true
}
