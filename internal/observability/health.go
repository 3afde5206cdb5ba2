package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// severity ranks statuses so the aggregate can take the worst one.
var severity = map[ComponentStatus]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// HealthCheck probes one component and reports its health.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component. Checks
// fill Status, Message, and Details; the monitor stamps the rest.
type ComponentHealth struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
	LatencyUs int64           `json:"latency_us"`
	Details   map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health of the whole process: the worst
// component status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeSec  int64                      `json:"uptime_sec"`
}

// Alert is emitted when a component's status changes.
type Alert struct {
	Level     string    `json:"level"` // info|warn|critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

type componentState struct {
	check HealthCheck
	last  ComponentHealth
	seen  bool
}

// HealthMonitor runs registered checks on an interval and on demand,
// emitting an alert whenever a component changes status.
type HealthMonitor struct {
	mu         sync.RWMutex
	components map[string]*componentState
	order      []string // registration order, kept for deterministic checks

	startedAt time.Time
	interval  time.Duration
	alerts    chan Alert
	done      chan struct{}
	stopOnce  sync.Once
}

// NewHealthMonitor creates a monitor that re-checks at the given interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		components: make(map[string]*componentState),
		startedAt:  time.Now(),
		interval:   interval,
		alerts:     make(chan Alert, 256),
		done:       make(chan struct{}),
	}
}

// Register adds a named check. Registering a name twice replaces the
// check but keeps its history. Must be called before Start.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.components[name]; ok {
		st.check = check
		return
	}
	m.components[name] = &componentState{check: check}
	m.order = append(m.order, name)
}

// Start runs an immediate sweep, then one per interval. Blocks until the
// context is cancelled or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Stop ends the periodic loop. Safe to call more than once.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Check sweeps every component synchronously and returns the aggregate.
// Used by the HTTP health handler so a probe always sees fresh results.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.sweep(ctx)
	return m.aggregate()
}

// Alerts returns the channel of status-transition alerts.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alerts
}

// Component returns the most recent result for one component.
func (m *HealthMonitor) Component(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.components[name]
	if !ok || !st.seen {
		return ComponentHealth{}, false
	}
	return st.last, true
}

// sweep runs every check in registration order and records transitions.
// Checks run outside the lock; a slow Ping must not block readers.
func (m *HealthMonitor) sweep(ctx context.Context) {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	checks := make([]HealthCheck, len(names))
	for i, name := range names {
		checks[i] = m.components[name].check
	}
	m.mu.RUnlock()

	for i, name := range names {
		began := time.Now()
		result := checks[i](ctx)
		result.Name = name
		result.CheckedAt = time.Now()
		result.LatencyUs = time.Since(began).Microseconds()

		m.mu.Lock()
		st := m.components[name]
		transitioned := !st.seen || st.last.Status != result.Status
		st.last = result
		st.seen = true
		m.mu.Unlock()

		if transitioned {
			m.emit(name, result)
		}
	}
}

// emit pushes a transition alert without blocking; when the channel is
// full the alert is dropped, the /health endpoint still has the state.
func (m *HealthMonitor) emit(name string, h ComponentHealth) {
	level := "info"
	switch h.Status {
	case StatusDegraded:
		level = "warn"
	case StatusUnhealthy:
		level = "critical"
	}

	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}

	select {
	case m.alerts <- Alert{Level: level, Component: name, Message: msg, Timestamp: time.Now()}:
	default:
	}
}

// aggregate folds the last results into a SystemHealth.
func (m *HealthMonitor) aggregate() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := SystemHealth{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.components)),
		Timestamp:  time.Now(),
		UptimeSec:  int64(time.Since(m.startedAt).Seconds()),
	}
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := m.components[name]
		if !st.seen {
			continue
		}
		out.Components[name] = st.last
		if severity[st.last.Status] > severity[out.Status] {
			out.Status = st.last.Status
		}
	}
	return out
}
