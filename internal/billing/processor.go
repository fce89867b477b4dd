// Package billing keeps user entitlements consistent with the payment
// processor: identity linkage, webhook reconciliation and manual re-scans.
package billing

import (
	"context"
	"errors"
	"time"

	"allinone/internal/models"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.session.completed"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventSubscriptionDeleted  EventType = "customer.subscription.deleted"
	EventChargeRefunded       EventType = "charge.refunded"
)

// Event is a verified webhook event reduced to what reconciliation needs.
// Checkout is set for checkout events; the refs are set for invoice,
// subscription and charge events.
type Event struct {
	ID             string
	Type           EventType
	Created        time.Time
	Checkout       *CheckoutSession
	CustomerID     string
	SubscriptionID string
}

type CheckoutSession struct {
	ID             string
	Status         string
	Mode           string
	PaymentStatus  string
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
	AppUserID      string
	Created        time.Time
}

// Completed reports whether the session finished with a paid one-off payment
// or a started subscription.
func (s CheckoutSession) Completed() bool {
	if s.Status != "complete" {
		return false
	}
	return s.Mode == "subscription" || s.PaymentStatus == "paid"
}

type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	Plan       models.Plan
	UserID     string
	Email      string
	SuccessURL string
	CancelURL  string
}

// Processor is the payment processor collaborator.
type Processor interface {
	CreateCustomer(ctx context.Context, email, name, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]CheckoutSession, error)
	CheckoutPriceID(ctx context.Context, sessionID string) (string, error)
	ConstructEvent(payload []byte, signature string) (Event, error)
}
