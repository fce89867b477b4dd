package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"allinone/internal/entitlement"
	"allinone/internal/metrics"
	"allinone/internal/models"
	"allinone/internal/quota"
)

const (
	ReasonFreeLimit  = "Free plan weekly limit reached. Upgrade to continue now."
	ReasonGuestLimit = "Guest daily limit reached. Create a free account or upgrade."
)

type UserReader interface {
	GetByID(ctx context.Context, id string) (models.User, error)
}

// UsageService answers "may this caller use a tool now" by resolving the
// entitlement and, for limited callers, the applicable quota policy.
type UsageService struct {
	users   UserReader
	guest   *quota.GuestPolicy
	free    *quota.FreePolicy
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewUsageService(users UserReader, guest *quota.GuestPolicy, free *quota.FreePolicy, m *metrics.Metrics, log zerolog.Logger) *UsageService {
	return &UsageService{
		users:   users,
		guest:   guest,
		free:    free,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EntitlementView is the caller's plan with the remaining quota preview.
// UsageRemaining is nil for unlimited callers.
type EntitlementView struct {
	Authenticated  bool
	Plan           models.Plan
	PlanStatus     models.PlanStatus
	PlanExpiresAt  *time.Time
	Label          string
	UsageRemaining *int
	ResetAt        *time.Time
}

// Decision is the outcome of a consume call. Remaining and ResetAt are nil
// for unlimited callers.
type Decision struct {
	Allowed       bool
	Unlimited     bool
	Plan          models.Plan
	PlanStatus    models.PlanStatus
	PlanExpiresAt *time.Time
	Remaining     *int
	ResetAt       *time.Time
	Reason        string
}

// snapshot resolves the caller's entitlement. A failed lookup degrades to
// the free tier rather than failing the request.
func (s *UsageService) snapshot(ctx context.Context, userID string, now time.Time) entitlement.Snapshot {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("entitlement lookup failed, treating as free")
		return entitlement.Resolve(nil, now)
	}
	return entitlement.Resolve(&user, now)
}

func (s *UsageService) Entitlement(ctx context.Context, caller *models.SessionUser, guest quota.GuestIdentity) (EntitlementView, error) {
	now := s.now()

	if caller == nil {
		res, err := s.guest.Preview(ctx, guest, now)
		if err != nil {
			return EntitlementView{}, err
		}
		return EntitlementView{
			Plan:           models.PlanFree,
			PlanStatus:     models.PlanStatusActive,
			Label:          entitlement.Resolve(nil, now).Label(),
			UsageRemaining: &res.Remaining,
			ResetAt:        &res.ResetAt,
		}, nil
	}

	snap := s.snapshot(ctx, caller.ID, now)
	view := EntitlementView{
		Authenticated: true,
		Plan:          snap.Plan,
		PlanStatus:    snap.PlanStatus,
		PlanExpiresAt: snap.PlanExpiresAt,
		Label:         snap.Label(),
	}
	if snap.HasUnlimitedAccess {
		if snap.Plan == models.PlanDayPass {
			view.ResetAt = snap.PlanExpiresAt
		}
		return view, nil
	}

	res, err := s.free.Preview(ctx, caller.ID, now)
	if err != nil {
		return EntitlementView{}, err
	}
	view.UsageRemaining = &res.Remaining
	view.ResetAt = &res.ResetAt
	return view, nil
}

func (s *UsageService) Consume(ctx context.Context, caller *models.SessionUser, guest quota.GuestIdentity) (Decision, error) {
	now := s.now()

	if caller == nil {
		res, err := s.guest.Consume(ctx, guest, now)
		if err != nil {
			s.metrics.QuotaDecision("guest", "error")
			return Decision{Plan: models.PlanFree}, err
		}
		return s.limited("guest", models.PlanFree, models.PlanStatusActive, res, ReasonGuestLimit), nil
	}

	snap := s.snapshot(ctx, caller.ID, now)
	if snap.HasUnlimitedAccess {
		s.metrics.QuotaDecision("unlimited", "allowed")
		return Decision{
			Allowed:       true,
			Unlimited:     true,
			Plan:          snap.Plan,
			PlanStatus:    snap.PlanStatus,
			PlanExpiresAt: snap.PlanExpiresAt,
		}, nil
	}

	res, err := s.free.Consume(ctx, caller.ID, now)
	if err != nil {
		s.metrics.QuotaDecision("free", "error")
		return Decision{Plan: snap.Plan}, err
	}
	return s.limited("free", snap.Plan, snap.PlanStatus, res, ReasonFreeLimit), nil
}

func (s *UsageService) limited(policy string, plan models.Plan, status models.PlanStatus, res quota.Result, reason string) Decision {
	d := Decision{
		Allowed:    res.Allowed,
		Plan:       plan,
		PlanStatus: status,
		Remaining:  &res.Remaining,
		ResetAt:    &res.ResetAt,
	}
	if res.Allowed {
		s.metrics.QuotaDecision(policy, "allowed")
	} else {
		d.Reason = reason
		s.metrics.QuotaDecision(policy, "denied")
	}
	return d
}
