package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, Healthy("a", "").Healthy())
	assert.True(t, Healthy("a", "").Serving())

	assert.False(t, Degraded("a", "").Healthy())
	assert.True(t, Degraded("a", "").Serving())

	assert.False(t, Unhealthy("a", "").Healthy())
	assert.False(t, Unhealthy("a", "").Serving())
}

func TestAggregate(t *testing.T) {
	empty := Aggregate("sys", nil)
	assert.Equal(t, StateHealthy, empty.State)

	allGood := Aggregate("sys", []Status{Healthy("a", ""), Healthy("b", "")})
	assert.Equal(t, StateHealthy, allGood.State)
	assert.Len(t, allGood.Children, 2)

	oneDegraded := Aggregate("sys", []Status{Healthy("a", ""), Degraded("b", "slow")})
	assert.Equal(t, StateDegraded, oneDegraded.State)

	// Unhealthy dominates degraded regardless of order.
	mixed := Aggregate("sys", []Status{Degraded("a", ""), Unhealthy("b", "down"), Healthy("c", "")})
	assert.Equal(t, StateUnhealthy, mixed.State)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor("weftd")

	overall := m.Overall()
	assert.Equal(t, "weftd", overall.Component)
	assert.Equal(t, StateHealthy, overall.State)

	m.SetHealthy("nats", "connected")
	m.SetHealthy("agent", "listening")

	s, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", s.Component)
	assert.False(t, s.Timestamp.IsZero())

	assert.Equal(t, StateHealthy, m.Overall().State)

	m.SetUnhealthy("nats", "connection lost")
	overall = m.Overall()
	assert.Equal(t, StateUnhealthy, overall.State)
	require.Len(t, overall.Children, 2)
	assert.Equal(t, "agent", overall.Children[0].Component, "children sorted by name")

	m.SetDegraded("nats", "reconnecting")
	assert.Equal(t, StateDegraded, m.Overall().State)
	assert.True(t, m.Overall().Serving())

	m.Remove("nats")
	assert.Equal(t, StateHealthy, m.Overall().State)

	_, ok = m.Get("nats")
	assert.False(t, ok)
}

func TestSetStampsComponentAndTime(t *testing.T) {
	m := NewMonitor("")

	m.Set("agent", Status{State: StateHealthy})
	s, ok := m.Get("agent")
	require.True(t, ok)
	assert.Equal(t, "agent", s.Component)
	assert.False(t, s.Timestamp.IsZero())

	assert.Equal(t, "system", m.Overall().Component)
}
