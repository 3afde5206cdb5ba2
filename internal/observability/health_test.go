package observability

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyCheck(ComponentStatus) HealthCheck {
	return func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusHealthy}
	}
}

func fixedCheck(status ComponentStatus, msg string) HealthCheck {
	return func(context.Context) ComponentHealth {
		return ComponentHealth{Status: status, Message: msg}
	}
}

func TestHealthCheckAggregatesWorstStatus(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("kafka", fixedCheck(StatusHealthy, ""))
	m.Register("clickhouse", fixedCheck(StatusDegraded, "ping timeout"))
	m.Register("engine", fixedCheck(StatusHealthy, ""))

	sys := m.Check(context.Background())

	assert.Equal(t, StatusDegraded, sys.Status)
	require.Len(t, sys.Components, 3)
	assert.Equal(t, "clickhouse", sys.Components["clickhouse"].Name)
	assert.Equal(t, "ping timeout", sys.Components["clickhouse"].Message)
	assert.False(t, sys.Components["engine"].CheckedAt.IsZero())
}

func TestHealthUnhealthyDominates(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("a", fixedCheck(StatusDegraded, ""))
	m.Register("b", fixedCheck(StatusUnhealthy, "dead"))

	sys := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, sys.Status)
}

func TestHealthEmptyMonitorIsHealthy(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	sys := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, sys.Status)
	assert.Empty(t, sys.Components)
}

func TestHealthTransitionAlerts(t *testing.T) {
	var status atomic.Value
	status.Store(StatusHealthy)

	m := NewHealthMonitor(time.Minute)
	m.Register("engine", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: status.Load().(ComponentStatus)}
	})

	// First sweep reports the initial status.
	m.Check(context.Background())
	alert := <-m.Alerts()
	assert.Equal(t, "info", alert.Level)
	assert.Equal(t, "engine", alert.Component)

	// Unchanged status stays quiet.
	m.Check(context.Background())
	select {
	case a := <-m.Alerts():
		t.Fatalf("unexpected alert: %+v", a)
	default:
	}

	// A flip to unhealthy escalates.
	status.Store(StatusUnhealthy)
	m.Check(context.Background())
	alert = <-m.Alerts()
	assert.Equal(t, "critical", alert.Level)

	// Recovery reports again.
	status.Store(StatusHealthy)
	m.Check(context.Background())
	alert = <-m.Alerts()
	assert.Equal(t, "info", alert.Level)
}

func TestHealthComponentLookup(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("feed", fixedCheck(StatusHealthy, ""))

	_, ok := m.Component("feed")
	assert.False(t, ok, "no result before the first sweep")

	m.Check(context.Background())

	got, ok := m.Component("feed")
	require.True(t, ok)
	assert.Equal(t, "feed", got.Name)

	_, ok = m.Component("unknown")
	assert.False(t, ok)
}

func TestHealthStartRunsPeriodicSweeps(t *testing.T) {
	var sweeps atomic.Int64
	m := NewHealthMonitor(10 * time.Millisecond)
	m.Register("c", func(context.Context) ComponentHealth {
		sweeps.Add(1)
		return ComponentHealth{Status: StatusHealthy}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sweeps.Load() >= 3 },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestHealthStopEndsStart(t *testing.T) {
	m := NewHealthMonitor(time.Hour)
	m.Register("c", fixedCheck(StatusHealthy, ""))

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	m.Stop()
	m.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestHealthReRegisterReplacesCheck(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("db", fixedCheck(StatusUnhealthy, "down"))
	m.Check(context.Background())

	m.Register("db", fixedCheck(StatusHealthy, ""))
	sys := m.Check(context.Background())

	assert.Equal(t, StatusHealthy, sys.Status)
	require.Len(t, sys.Components, 1)
}
