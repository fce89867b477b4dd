package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessedEventState(t *testing.T) {
	var missing *ProcessedEvent
	assert.Equal(t, EventUnseen, missing.State())

	inFlight := &ProcessedEvent{StripeEventID: "evt_1"}
	assert.Equal(t, EventInFlight, inFlight.State())

	now := time.Now()
	done := &ProcessedEvent{StripeEventID: "evt_1", ProcessedAt: &now}
	assert.Equal(t, EventProcessed, done.State())
	assert.Equal(t, "processed", done.State().String())
}

func TestPlanValidation(t *testing.T) {
	assert.True(t, PlanDayPass.Valid())
	assert.False(t, Plan("enterprise").Valid())
	assert.True(t, PlanProYearly.IsPro())
	assert.False(t, PlanDayPass.IsPro())
	assert.False(t, PlanStatus("paused").Valid())
}

func TestEntitlementUpdateEmpty(t *testing.T) {
	assert.True(t, EntitlementUpdate{}.Empty())
	status := PlanStatusActive
	assert.False(t, EntitlementUpdate{PlanStatus: &status}.Empty())
}
