package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor collects component health reports and aggregates them into
// one overall status. Safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	name     string
	statuses map[string]Status
}

// NewMonitor creates a monitor reporting under the given name.
func NewMonitor(name string) *Monitor {
	if name == "" {
		name = "system"
	}
	return &Monitor{
		name:     name,
		statuses: make(map[string]Status),
	}
}

// Set records a component's status under its component name.
func (m *Monitor) Set(component string, status Status) {
	status.Component = component
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[component] = status
}

// SetHealthy records a component as healthy.
func (m *Monitor) SetHealthy(component, message string) {
	m.Set(component, Healthy(component, message))
}

// SetDegraded records a component as degraded.
func (m *Monitor) SetDegraded(component, message string) {
	m.Set(component, Degraded(component, message))
}

// SetUnhealthy records a component as unhealthy.
func (m *Monitor) SetUnhealthy(component, message string) {
	m.Set(component, Unhealthy(component, message))
}

// Remove drops a component's report, for components that have shut
// down cleanly.
func (m *Monitor) Remove(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, component)
}

// Get returns a component's last reported status.
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[component]
	return s, ok
}

// Overall aggregates every component report into one status with the
// per-component reports attached as children in component-name order.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	children := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		children = append(children, s)
	}
	m.mu.RUnlock()

	sort.Slice(children, func(i, j int) bool {
		return children[i].Component < children[j].Component
	})
	return Aggregate(m.name, children)
}
