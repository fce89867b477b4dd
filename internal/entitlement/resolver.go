// Package entitlement derives a user's effective plan from the stored record.
package entitlement

import (
	"time"

	"allinone/internal/models"
)

type Snapshot struct {
	Plan               models.Plan
	PlanStatus         models.PlanStatus
	PlanExpiresAt      *time.Time
	HasUnlimitedAccess bool
}

// Resolve is pure: it performs no I/O and reads nothing but its arguments. A
// day pass expires lazily; once planExpiresAt has passed the reported status
// is expired whatever the stored status says.
func Resolve(user *models.User, now time.Time) Snapshot {
	if user == nil {
		return Snapshot{Plan: models.PlanFree, PlanStatus: models.PlanStatusActive}
	}

	plan := user.Plan
	if !plan.Valid() {
		plan = models.PlanFree
	}
	status := user.PlanStatus
	if !status.Valid() {
		status = models.PlanStatusActive
	}

	snap := Snapshot{Plan: plan, PlanStatus: status, PlanExpiresAt: user.PlanExpiresAt}

	switch {
	case plan.IsPro():
		snap.HasUnlimitedAccess = status == models.PlanStatusActive
	case plan == models.PlanDayPass && status == models.PlanStatusActive:
		if user.PlanExpiresAt != nil && user.PlanExpiresAt.After(now) {
			snap.HasUnlimitedAccess = true
		} else {
			snap.PlanStatus = models.PlanStatusExpired
		}
	}
	return snap
}

// Label is the short plan name shown in the account menu.
func (s Snapshot) Label() string {
	switch {
	case s.Plan.IsPro() && s.PlanStatus == models.PlanStatusActive:
		return "Pro"
	case s.Plan.IsPro() && s.PlanStatus == models.PlanStatusPastDue:
		return "Past due"
	case s.Plan == models.PlanDayPass && s.HasUnlimitedAccess:
		return "Day Pass"
	case s.Plan == models.PlanDayPass:
		return "Expired"
	default:
		return "Free"
	}
}
