package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/hubkit/heartbeat"
	"github.com/c360/hubkit/registry"
)

func TestFromRegistrationStateMapping(t *testing.T) {
	tests := []struct {
		state   registry.State
		status  string
		healthy bool
	}{
		{registry.StateReady, "healthy", true},
		{registry.StateActive, "healthy", true},
		{registry.StateDegraded, "degraded", false},
		{registry.StateError, "degraded", false},
		{registry.StateInitializing, "degraded", false},
		{registry.StateFailed, "unhealthy", false},
		{registry.StateStopping, "unhealthy", false},
		{registry.StateInactive, "unhealthy", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			got := FromRegistration(registry.Registration{
				ComponentID: "athena",
				State:       tt.state,
			}, nil)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.healthy, got.Healthy)
			assert.Equal(t, tt.state, got.State)
		})
	}
}

func TestFromRegistrationAttachesHeartbeatMetrics(t *testing.T) {
	seen := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := &heartbeat.Record{
		LastSeen:          seen,
		Sequence:          42,
		ConsecutiveMisses: 1,
		ReportedMetrics:   map[string]float64{"load": 0.7},
	}

	got := FromRegistration(registry.Registration{
		ComponentID: "athena",
		State:       registry.StateActive,
	}, rec)

	require.NotNil(t, got.Metrics)
	assert.Equal(t, seen, got.Metrics.LastHeartbeat)
	assert.Equal(t, uint64(42), got.Metrics.HeartbeatSequence)
	assert.Equal(t, 1, got.Metrics.ConsecutiveMisses)
	assert.Equal(t, 0.7, got.Metrics.Reported["load"])
}

func TestFromRegistrationUsesLastAcceptedTransition(t *testing.T) {
	got := FromRegistration(registry.Registration{
		ComponentID: "athena",
		State:       registry.StateDegraded,
		History: []registry.TransitionRecord{
			{To: registry.StateReady, Reason: "heartbeat", Accepted: true},
			{To: registry.StateDegraded, Reason: "heartbeat_timeout",
				Description: "3 consecutive heartbeat misses", Accepted: true},
			{To: registry.StateActive, Reason: "rejected", Accepted: false},
		},
	}, nil)

	assert.Equal(t, "3 consecutive heartbeat misses", got.Message)
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"url", "dial https://internal.example.com/v1 refused", "dial [URL] refused"},
		{"path", "open /etc/hubkit/hub.yaml failed", "open [PATH] failed"},
		{"ip and port", "connect 10.0.0.12:8100 timed out", "connect [IP][PORT] timed out"},
		{"credentials", "auth failed: token=abc123", "auth failed: [REDACTED]"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeMessage(tt.in))
		})
	}
}

func TestAggregate(t *testing.T) {
	healthy := NewHealthy("registry", "")
	degraded := NewDegraded("heartbeat", "")
	unhealthy := NewUnhealthy("bus", "")

	assert.True(t, Aggregate("hub", []Status{healthy, healthy}).IsHealthy())
	assert.True(t, Aggregate("hub", []Status{healthy, degraded}).IsDegraded())
	assert.True(t, Aggregate("hub", []Status{degraded, unhealthy}).IsUnhealthy())
	assert.True(t, Aggregate("hub", nil).IsHealthy())

	agg := Aggregate("hub", []Status{healthy, degraded})
	assert.Len(t, agg.SubStatuses, 2)
}

func TestMonitorAggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.Update("registry", NewHealthy("registry", "ok"))
	m.Update("bus", NewHealthy("bus", "ok"))
	require.True(t, m.AggregateHealth("hub").IsHealthy())

	m.Update("heartbeat", NewDegraded("heartbeat", "sweep lagging"))
	assert.True(t, m.AggregateHealth("hub").IsDegraded())

	m.Remove("heartbeat")
	assert.True(t, m.AggregateHealth("hub").IsHealthy())

	got, ok := m.Get("registry")
	require.True(t, ok)
	assert.Equal(t, "registry", got.Component)
}
