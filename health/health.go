// Package health tracks component health and serves the operational HTTP
// surface: liveness, readiness and the Prometheus scrape endpoint.
package health

import (
	"sync"
	"time"
)

// State enumerates component health states.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is the health of one component at a point in time.
type Status struct {
	Component string    `json:"component"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthy reports whether the status is healthy.
func (s Status) Healthy() bool {
	return s.State == StateHealthy
}

// Monitor tracks the health of named components. Components push status
// updates; the HTTP surface reads the aggregate.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records a component's status.
func (m *Monitor) Update(name string, state State, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = Status{
		Component: name,
		State:     state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Get returns a component's last reported status.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// All returns a copy of every component status.
func (m *Monitor) All() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, s := range m.statuses {
		out[name] = s
	}
	return out
}

// Aggregate reduces all component statuses to one: unhealthy dominates,
// then degraded; an empty monitor is healthy.
func (m *Monitor) Aggregate() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := StateHealthy
	for _, s := range m.statuses {
		switch s.State {
		case StateUnhealthy:
			return StateUnhealthy
		case StateDegraded:
			state = StateDegraded
		}
	}
	return state
}
