package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]DeliveryStatus{
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusForwarded},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusError},
		{StatusError, StatusProcessing},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	all := []DeliveryStatus{StatusPending, StatusProcessing, StatusForwarded, StatusFailed, StatusError}
	for _, from := range all {
		assert.False(t, CanTransition(from, StatusPending), "%s -> pending", from)
	}
	for _, to := range all {
		assert.False(t, CanTransition(StatusForwarded, to))
		assert.False(t, CanTransition(StatusFailed, to))
	}
	assert.False(t, CanTransition(StatusPending, StatusForwarded))
	assert.False(t, CanTransition(StatusError, StatusForwarded))
}

func TestPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []DeliveryStatus{StatusPending, StatusError}, Predecessors(StatusProcessing))
	assert.ElementsMatch(t, []DeliveryStatus{StatusProcessing}, Predecessors(StatusForwarded))
	assert.Empty(t, Predecessors(StatusPending))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusForwarded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusError.IsTerminal())
	assert.False(t, DeliveryStatus("bogus").Valid())
}

func TestNewEnvelope(t *testing.T) {
	occurred := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := TelemetryRecord{
		Supplier:   "wmf",
		EventID:    "e1",
		Type:       "Dispensing",
		DeviceID:   "d1",
		OccurredAt: occurred,
		Payload:    map[string]interface{}{"DeviceId": "d1"},
	}

	env := NewEnvelope("wmf", "acme", rec, occurred.Add(time.Minute))

	assert.Equal(t, "wmf", env.Supplier)
	assert.Equal(t, "acme", env.Tenant)
	assert.Equal(t, "e1", env.Event.EventID)
	assert.Equal(t, "d1", env.Event.DeviceID)
	assert.Equal(t, occurred, env.Event.OccurredAt)
	assert.Equal(t, occurred.Add(time.Minute), env.Timestamp)
}

func TestNewDeliveryTask(t *testing.T) {
	task := NewDeliveryTask("wmf", "acme", TelemetryRecord{EventID: "e1"})

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 1, task.Attempt)
	assert.False(t, task.NotBefore.IsZero())
}
