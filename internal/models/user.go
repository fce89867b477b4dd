package models

import "time"

type Plan string

const (
	PlanFree       Plan = "free"
	PlanDayPass    Plan = "day_pass"
	PlanProMonthly Plan = "pro_monthly"
	PlanProYearly  Plan = "pro_yearly"
)

func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanDayPass, PlanProMonthly, PlanProYearly:
		return true
	}
	return false
}

func (p Plan) IsPro() bool {
	return p == PlanProMonthly || p == PlanProYearly
}

type PlanStatus string

const (
	PlanStatusActive   PlanStatus = "active"
	PlanStatusPastDue  PlanStatus = "past_due"
	PlanStatusCanceled PlanStatus = "canceled"
	PlanStatusExpired  PlanStatus = "expired"
)

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusActive, PlanStatusPastDue, PlanStatusCanceled, PlanStatusExpired:
		return true
	}
	return false
}

type User struct {
	ID                         string     `bson:"_id"`
	Name                       string     `bson:"name"`
	Email                      string     `bson:"email"`
	EmailLower                 string     `bson:"emailLower"`
	PasswordHash               string     `bson:"passwordHash"`
	EmailVerified              bool       `bson:"emailVerified"`
	VerificationTokenHash      string     `bson:"verificationTokenHash,omitempty"`
	VerificationTokenExpiresAt *time.Time `bson:"verificationTokenExpiresAt,omitempty"`
	Plan                       Plan       `bson:"plan"`
	PlanStatus                 PlanStatus `bson:"planStatus"`
	PlanExpiresAt              *time.Time `bson:"planExpiresAt"`
	StripeCustomerID           string     `bson:"stripeCustomerId,omitempty"`
	StripeSubscriptionID       string     `bson:"stripeSubscriptionId,omitempty"`
	CreatedAt                  time.Time  `bson:"createdAt"`
	UpdatedAt                  time.Time  `bson:"updatedAt"`
	LastLoginAt                *time.Time `bson:"lastLoginAt,omitempty"`
}

type Session struct {
	ID        string    `bson:"_id"`
	TokenHash string    `bson:"tokenHash"`
	UserID    string    `bson:"userId"`
	Email     string    `bson:"email"`
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"createdAt"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// SessionUser is the caller identity resolved from a session cookie.
type SessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
