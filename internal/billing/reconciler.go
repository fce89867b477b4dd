package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"allinone/internal/entitlement"
	"allinone/internal/metrics"
	"allinone/internal/models"
	"allinone/internal/repository"
)

type EventStore interface {
	Get(ctx context.Context, eventID string) (*models.ProcessedEvent, error)
	InsertInFlight(ctx context.Context, eventID string, now time.Time) error
	Touch(ctx context.Context, eventID string, now time.Time) error
	MarkProcessed(ctx context.Context, eventID string, now time.Time) error
}

// PriceLookup resolves the price purchased in a checkout session.
type PriceLookup interface {
	CheckoutPriceID(ctx context.Context, sessionID string) (string, error)
}

// Reconciler applies processor lifecycle events to user entitlements. Each
// event id moves through unseen, in flight and processed; only processed
// events are skipped on redelivery.
type Reconciler struct {
	events  EventStore
	linker  *Linker
	prices  PriceLookup
	plans   entitlement.PriceMap
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewReconciler(events EventStore, linker *Linker, prices PriceLookup, plans entitlement.PriceMap, m *metrics.Metrics, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		events:  events,
		linker:  linker,
		prices:  prices,
		plans:   plans,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes event at most once per successful completion. It reports
// duplicate when the event was already processed. On error the event stays
// unprocessed so the processor redelivers it.
func (r *Reconciler) Handle(ctx context.Context, event Event) (bool, error) {
	logger := r.log.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	proceed, err := r.admit(ctx, event.ID)
	if err != nil {
		r.metrics.WebhookEvent(string(event.Type), metrics.OutcomeFailed)
		return false, err
	}
	if !proceed {
		r.metrics.WebhookEvent(string(event.Type), metrics.OutcomeDuplicate)
		logger.Info().Str("outcome", metrics.OutcomeDuplicate).Msg("webhook event already processed")
		return true, nil
	}

	if err := r.apply(ctx, event, logger); err != nil {
		r.metrics.WebhookEvent(string(event.Type), metrics.OutcomeFailed)
		logger.Error().Err(err).Str("outcome", metrics.OutcomeFailed).Msg("webhook processing failed")
		return false, err
	}

	if err := r.events.MarkProcessed(ctx, event.ID, r.now()); err != nil {
		r.metrics.WebhookEvent(string(event.Type), metrics.OutcomeFailed)
		return false, fmt.Errorf("mark event processed: %w", err)
	}

	r.metrics.WebhookEvent(string(event.Type), metrics.OutcomeProcessed)
	logger.Info().Str("outcome", metrics.OutcomeProcessed).Msg("webhook event processed")
	return false, nil
}

// admit reports whether side effects should run. Losing the insert race or
// finding an in-flight marker both proceed; entitlement writes are
// idempotent overwrites.
func (r *Reconciler) admit(ctx context.Context, eventID string) (bool, error) {
	existing, err := r.events.Get(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("load event state: %w", err)
	}

	now := r.now()
	switch existing.State() {
	case models.EventProcessed:
		return false, nil
	case models.EventInFlight:
		if err := r.events.Touch(ctx, eventID, now); err != nil {
			return false, fmt.Errorf("touch in-flight event: %w", err)
		}
		return true, nil
	}

	err = r.events.InsertInFlight(ctx, eventID, now)
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return false, fmt.Errorf("insert in-flight marker: %w", err)
	}
	return true, nil
}

func (r *Reconciler) apply(ctx context.Context, event Event, logger zerolog.Logger) error {
	switch event.Type {
	case EventCheckoutCompleted:
		return r.checkoutCompleted(ctx, event, logger)
	case EventInvoicePaid:
		return r.invoice(ctx, event, models.PlanStatusActive)
	case EventInvoicePaymentFailed:
		return r.invoice(ctx, event, models.PlanStatusPastDue)
	case EventSubscriptionDeleted:
		return r.subscriptionDeleted(ctx, event)
	case EventChargeRefunded:
		n, err := r.linker.ExpireDayPassByCustomer(ctx, event.CustomerID)
		if err != nil {
			return err
		}
		logger.Info().Int64("users", n).Msg("day pass refund applied")
		return nil
	default:
		logger.Debug().Msg("ignoring unhandled event type")
		return nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, event Event, logger zerolog.Logger) error {
	session := event.Checkout
	if session == nil {
		return fmt.Errorf("%w: checkout event without session", ErrInvalidPayload)
	}

	priceID, err := r.prices.CheckoutPriceID(ctx, session.ID)
	if err != nil {
		return err
	}
	ent, ok := r.plans.PlanForPrice(priceID, event.Created)
	if !ok {
		logger.Warn().Str("price_id", priceID).Msg("checkout price not mapped to a plan")
		return nil
	}
	ent.StripeCustomerID = session.CustomerID
	ent.StripeSubscriptionID = session.SubscriptionID

	if session.AppUserID != "" {
		user, err := r.linker.UserByID(ctx, session.AppUserID)
		switch {
		case err == nil:
			return r.linker.ApplyByUserID(ctx, user.ID, ent)
		case !errors.Is(err, repository.ErrUserNotFound):
			return fmt.Errorf("load checkout user: %w", err)
		}
		logger.Warn().Str("user_id", session.AppUserID).Msg("checkout user no longer exists, falling back to email")
	}

	if session.CustomerEmail == "" {
		logger.Warn().Msg("checkout session has no email to link")
		return nil
	}
	applied, err := r.linker.ApplyByEmailOrDefer(ctx, session.CustomerEmail, ent)
	if err != nil {
		return err
	}
	logger.Info().Bool("applied", applied).Str("plan", string(ent.Plan)).Msg("checkout linked by email")
	return nil
}

func (r *Reconciler) invoice(ctx context.Context, event Event, status models.PlanStatus) error {
	update := models.EntitlementUpdate{PlanStatus: &status}
	if event.SubscriptionID != "" {
		sub := event.SubscriptionID
		update.StripeSubscriptionID = &sub
	}
	_, err := r.linker.UpdateByProcessorRefs(ctx, event.CustomerID, event.SubscriptionID, update)
	return err
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, event Event) error {
	plan := models.PlanFree
	status := models.PlanStatusCanceled
	cleared := ""
	update := models.EntitlementUpdate{
		Plan:                 &plan,
		PlanStatus:           &status,
		ClearPlanExpiry:      true,
		StripeSubscriptionID: &cleared,
	}
	_, err := r.linker.UpdateByProcessorRefs(ctx, event.CustomerID, event.SubscriptionID, update)
	return err
}
