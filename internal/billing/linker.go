package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"allinone/internal/ids"
	"allinone/internal/metrics"
	"allinone/internal/models"
	"allinone/internal/repository"
)

type UserStore interface {
	GetByID(ctx context.Context, id string) (models.User, error)
	FindByEmail(ctx context.Context, emailLower string) (models.User, error)
	ApplyEntitlement(ctx context.Context, id string, ent models.Entitlement) error
	SetCustomerIDIfEmpty(ctx context.Context, id string, customerID string) (bool, error)
	UpdateByRefs(ctx context.Context, customerID, subscriptionID string, update models.EntitlementUpdate) (int64, error)
	ExpireDayPassByCustomer(ctx context.Context, customerID string) (int64, error)
}

type PendingStore interface {
	Create(ctx context.Context, pending models.PendingPurchase) error
	ListUnclaimed(ctx context.Context, emailLower string) ([]models.PendingPurchase, error)
	MarkClaimed(ctx context.Context, id string, userID string, now time.Time) (bool, error)
}

type CustomerCreator interface {
	CreateCustomer(ctx context.Context, email, name, userID string) (string, error)
}

// Linker maps processor identities (customer and subscription refs, emails)
// to users, staging purchases that arrive before the account exists.
type Linker struct {
	users     UserStore
	pending   PendingStore
	customers CustomerCreator
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewLinker(users UserStore, pending PendingStore, customers CustomerCreator, m *metrics.Metrics, log zerolog.Logger) *Linker {
	return &Linker{
		users:     users,
		pending:   pending,
		customers: customers,
		metrics:   m,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UserByID loads a user through the linker's store.
func (l *Linker) UserByID(ctx context.Context, id string) (models.User, error) {
	return l.users.GetByID(ctx, id)
}

func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// EnsureCustomerID returns the user's processor customer, creating it on
// first use. Concurrent callers converge on whichever id is stored first; the
// customers created by the losers stay orphaned upstream.
func (l *Linker) EnsureCustomerID(ctx context.Context, user models.User) (string, error) {
	if id := strings.TrimSpace(user.StripeCustomerID); id != "" {
		return id, nil
	}

	created, err := l.customers.CreateCustomer(ctx, user.Email, user.Name, user.ID)
	if err != nil {
		return "", err
	}

	won, err := l.users.SetCustomerIDIfEmpty(ctx, user.ID, created)
	if err != nil {
		return "", err
	}
	if won {
		return created, nil
	}

	stored, err := l.users.GetByID(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("reload user after customer race: %w", err)
	}
	if stored.StripeCustomerID == "" {
		return "", fmt.Errorf("customer id for user %s not persisted", user.ID)
	}
	l.log.Warn().
		Str("user_id", user.ID).
		Str("orphan_customer_id", created).
		Str("customer_id", stored.StripeCustomerID).
		Msg("lost customer creation race")
	return stored.StripeCustomerID, nil
}

// ApplyByUserID overwrites the user's entitlement; the last write wins.
func (l *Linker) ApplyByUserID(ctx context.Context, userID string, ent models.Entitlement) error {
	if err := l.users.ApplyEntitlement(ctx, userID, ent); err != nil {
		return fmt.Errorf("apply entitlement to %s: %w", userID, err)
	}
	l.metrics.EntitlementWrite("by_user")
	l.log.Info().
		Str("user_id", userID).
		Str("plan", string(ent.Plan)).
		Str("plan_status", string(ent.PlanStatus)).
		Msg("entitlement applied")
	return nil
}

// ApplyByEmailOrDefer applies to the account owning email, or stages a
// pending purchase when there is none yet. It reports whether a user was
// updated.
func (l *Linker) ApplyByEmailOrDefer(ctx context.Context, email string, ent models.Entitlement) (bool, error) {
	email = strings.TrimSpace(email)
	emailLower := NormalizeEmail(email)

	user, err := l.users.FindByEmail(ctx, emailLower)
	switch {
	case err == nil:
		if err := l.users.ApplyEntitlement(ctx, user.ID, ent); err != nil {
			return false, fmt.Errorf("apply entitlement by email: %w", err)
		}
		l.metrics.EntitlementWrite("by_email")
		return true, nil
	case !errors.Is(err, repository.ErrUserNotFound):
		return false, fmt.Errorf("find user by email: %w", err)
	}

	now := l.now()
	pending := models.PendingPurchase{
		ID:                   ids.New(),
		Email:                email,
		EmailLower:           emailLower,
		Plan:                 ent.Plan,
		PlanStatus:           ent.PlanStatus,
		PlanExpiresAt:        ent.PlanExpiresAt,
		StripeCustomerID:     strings.TrimSpace(ent.StripeCustomerID),
		StripeSubscriptionID: strings.TrimSpace(ent.StripeSubscriptionID),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := l.pending.Create(ctx, pending); err != nil {
		return false, fmt.Errorf("stage pending purchase: %w", err)
	}
	l.metrics.EntitlementWrite("deferred")
	l.log.Info().Str("pending_id", pending.ID).Str("plan", string(ent.Plan)).Msg("purchase deferred until signup")
	return false, nil
}

// ClaimPendingForUser applies every unclaimed purchase staged for email in
// creation order, so the newest one wins, and marks each claimed. Claimed
// rows are excluded by the lookup itself, making repeat calls no-ops.
func (l *Linker) ClaimPendingForUser(ctx context.Context, userID, email string) (bool, error) {
	rows, err := l.pending.ListUnclaimed(ctx, NormalizeEmail(email))
	if err != nil {
		return false, fmt.Errorf("list pending purchases: %w", err)
	}
	if len(rows) == 0 {
		l.metrics.Claim(false)
		return false, nil
	}

	for _, row := range rows {
		if err := l.users.ApplyEntitlement(ctx, userID, row.Entitlement()); err != nil {
			return false, fmt.Errorf("apply pending purchase %s: %w", row.ID, err)
		}
		marked, err := l.pending.MarkClaimed(ctx, row.ID, userID, l.now())
		if err != nil {
			return false, fmt.Errorf("mark pending purchase %s: %w", row.ID, err)
		}
		if !marked {
			l.log.Debug().Str("pending_id", row.ID).Msg("pending purchase claimed concurrently")
		}
	}

	l.metrics.Claim(true)
	l.log.Info().Str("user_id", userID).Int("count", len(rows)).Msg("pending purchases claimed")
	return true, nil
}

// UpdateByProcessorRefs updates every user matching either ref. With neither
// ref it does nothing.
func (l *Linker) UpdateByProcessorRefs(ctx context.Context, customerID, subscriptionID string, update models.EntitlementUpdate) (int64, error) {
	customerID = strings.TrimSpace(customerID)
	subscriptionID = strings.TrimSpace(subscriptionID)
	if customerID == "" && subscriptionID == "" {
		return 0, nil
	}

	n, err := l.users.UpdateByRefs(ctx, customerID, subscriptionID, update)
	if err != nil {
		return 0, fmt.Errorf("update by processor refs: %w", err)
	}
	l.metrics.EntitlementWrite("by_refs")
	return n, nil
}

// ExpireDayPassByCustomer revokes day passes held under customerID.
func (l *Linker) ExpireDayPassByCustomer(ctx context.Context, customerID string) (int64, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, nil
	}
	n, err := l.users.ExpireDayPassByCustomer(ctx, customerID)
	if err != nil {
		return 0, fmt.Errorf("expire day pass: %w", err)
	}
	l.metrics.EntitlementWrite("refund")
	return n, nil
}
