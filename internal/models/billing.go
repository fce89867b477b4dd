package models

import "time"

// Entitlement is the coherent set of plan fields written to a user or staged
// on a pending purchase. Writes overwrite all of them, including the refs.
type Entitlement struct {
	Plan                 Plan
	PlanStatus           PlanStatus
	PlanExpiresAt        *time.Time
	StripeCustomerID     string
	StripeSubscriptionID string
}

// EntitlementUpdate is a partial update applied to users matched by processor
// refs. Nil fields are left untouched.
type EntitlementUpdate struct {
	Plan            *Plan
	PlanStatus      *PlanStatus
	ClearPlanExpiry bool
	// An empty string clears the stored subscription ref.
	StripeSubscriptionID *string
}

func (u EntitlementUpdate) Empty() bool {
	return u.Plan == nil && u.PlanStatus == nil && !u.ClearPlanExpiry && u.StripeSubscriptionID == nil
}

type PendingPurchase struct {
	ID                   string     `bson:"_id"`
	Email                string     `bson:"email"`
	EmailLower           string     `bson:"emailLower"`
	Plan                 Plan       `bson:"plan"`
	PlanStatus           PlanStatus `bson:"planStatus"`
	PlanExpiresAt        *time.Time `bson:"planExpiresAt"`
	StripeCustomerID     string     `bson:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string     `bson:"stripeSubscriptionId,omitempty"`
	CreatedAt            time.Time  `bson:"createdAt"`
	UpdatedAt            time.Time  `bson:"updatedAt"`
	ClaimedAt            *time.Time `bson:"claimedAt"`
	ClaimedByUserID      *string    `bson:"claimedByUserId"`
}

func (p PendingPurchase) Entitlement() Entitlement {
	return Entitlement{
		Plan:                 p.Plan,
		PlanStatus:           p.PlanStatus,
		PlanExpiresAt:        p.PlanExpiresAt,
		StripeCustomerID:     p.StripeCustomerID,
		StripeSubscriptionID: p.StripeSubscriptionID,
	}
}

type EventState int

const (
	EventUnseen EventState = iota
	EventInFlight
	EventProcessed
)

func (s EventState) String() string {
	switch s {
	case EventInFlight:
		return "in_flight"
	case EventProcessed:
		return "processed"
	default:
		return "unseen"
	}
}

// ProcessedEvent records admission of a processor webhook event. A row with a
// nil ProcessedAt is in flight.
type ProcessedEvent struct {
	StripeEventID string     `bson:"stripeEventId"`
	ProcessedAt   *time.Time `bson:"processedAt"`
	CreatedAt     time.Time  `bson:"createdAt"`
	UpdatedAt     time.Time  `bson:"updatedAt"`
}

func (e *ProcessedEvent) State() EventState {
	if e == nil {
		return EventUnseen
	}
	if e.ProcessedAt != nil {
		return EventProcessed
	}
	return EventInFlight
}
