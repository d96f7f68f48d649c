package health

import (
	"sort"
	"sync"
)

// CheckFunc reports the current status of one component
type CheckFunc func() Status

// Monitor aggregates component health. Components either register a CheckFunc
// that is polled on demand or push updates with Update.
type Monitor struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	statuses map[string]Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		checks:   make(map[string]CheckFunc),
		statuses: make(map[string]Status),
	}
}

// Register adds a polled health check, replacing any previous one with the same name
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update stores a pushed status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.Component = name
	m.statuses[name] = status
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
	delete(m.statuses, name)
}

// Get returns the current status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	check, polled := m.checks[name]
	status, pushed := m.statuses[name]
	m.mu.RUnlock()

	if polled {
		s := check()
		s.Component = name
		return s, true
	}
	return status, pushed
}

// ListComponents returns the sorted names of all monitored components
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checks)+len(m.statuses))
	for name := range m.checks {
		names = append(names, name)
	}
	for name := range m.statuses {
		if _, dup := m.checks[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AggregateHealth evaluates every component and returns the system status.
// Checks run outside the lock.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.ListComponents()
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			subs = append(subs, s)
		}
	}
	return Aggregate(systemName, subs)
}
