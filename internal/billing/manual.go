package billing

import (
	"context"
	"fmt"

	"allinone/internal/entitlement"
	"allinone/internal/models"
)

const reconcileScanLimit = 10

type CheckoutLister interface {
	ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]CheckoutSession, error)
	CheckoutPriceID(ctx context.Context, sessionID string) (string, error)
}

type ReconcileResult struct {
	Updated bool
	Plan    models.Plan
	Reason  string
}

const (
	ReasonNoCustomer = "No Stripe customer id on user."
	ReasonNoCheckout = "No completed paid checkout found yet."
)

// ReconcileUser re-scans the customer's most recent checkout sessions and
// applies the first completed one with a mapped price. It covers webhooks
// that never arrived.
func ReconcileUser(ctx context.Context, lister CheckoutLister, linker *Linker, plans entitlement.PriceMap, user models.User) (ReconcileResult, error) {
	if user.StripeCustomerID == "" {
		return ReconcileResult{Reason: ReasonNoCustomer}, nil
	}

	sessions, err := lister.ListCheckoutSessions(ctx, user.StripeCustomerID, reconcileScanLimit)
	if err != nil {
		return ReconcileResult{}, err
	}

	for _, session := range sessions {
		if !session.Completed() {
			continue
		}
		priceID, err := lister.CheckoutPriceID(ctx, session.ID)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("price for session %s: %w", session.ID, err)
		}
		purchasedAt := session.Created
		if purchasedAt.IsZero() {
			purchasedAt = linker.now()
		}
		ent, ok := plans.PlanForPrice(priceID, purchasedAt)
		if !ok {
			continue
		}
		ent.StripeCustomerID = session.CustomerID
		ent.StripeSubscriptionID = session.SubscriptionID

		if err := linker.ApplyByUserID(ctx, user.ID, ent); err != nil {
			return ReconcileResult{}, err
		}
		return ReconcileResult{Updated: true, Plan: ent.Plan}, nil
	}

	return ReconcileResult{Reason: ReasonNoCheckout}, nil
}
