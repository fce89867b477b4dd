package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"allinone/internal/models"
)

var errStripeNotConfigured = errors.New("stripe secret key not configured")

// StripeProcessor implements Processor with stripe-go.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
}

func NewStripeProcessor(secretKey, webhookSecret string) *StripeProcessor {
	var api *client.API
	if key := strings.TrimSpace(secretKey); key != "" {
		api = client.New(key, nil)
	}
	return &StripeProcessor{api: api, webhookSecret: strings.TrimSpace(webhookSecret)}
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, email, name, userID string) (string, error) {
	if p.api == nil {
		return "", errStripeNotConfigured
	}
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.AddMetadata("appUserId", userID)
	params.Context = ctx

	customer, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return customer.ID, nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if p.api == nil {
		return "", errStripeNotConfigured
	}
	mode := stripe.CheckoutSessionModeSubscription
	if req.Plan == models.PlanDayPass {
		mode = stripe.CheckoutSessionModePayment
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
	}
	params.AddMetadata("appUserId", req.UserID)
	params.AddMetadata("appUserEmail", req.Email)
	params.AddMetadata("requestedPlan", string(req.Plan))
	params.Context = ctx

	session, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return session.URL, nil
}

func (p *StripeProcessor) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if p.api == nil {
		return "", errStripeNotConfigured
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	session, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return session.URL, nil
}

// ListCheckoutSessions returns the customer's most recent sessions, newest
// first, without paging past the first page.
func (p *StripeProcessor) ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]CheckoutSession, error) {
	if p.api == nil {
		return nil, errStripeNotConfigured
	}
	params := &stripe.CheckoutSessionListParams{Customer: stripe.String(customerID)}
	params.Limit = stripe.Int64(int64(limit))
	params.Single = true
	params.Context = ctx

	var sessions []CheckoutSession
	iter := p.api.CheckoutSessions.List(params)
	for iter.Next() {
		sessions = append(sessions, fromStripeSession(iter.CheckoutSession()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkout sessions: %w", err)
	}
	return sessions, nil
}

// CheckoutPriceID returns the price of the session's first line item, or ""
// when it has none.
func (p *StripeProcessor) CheckoutPriceID(ctx context.Context, sessionID string) (string, error) {
	if p.api == nil {
		return "", errStripeNotConfigured
	}
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Limit = stripe.Int64(5)
	params.Single = true
	params.Context = ctx

	iter := p.api.CheckoutSessions.ListLineItems(params)
	for iter.Next() {
		if item := iter.LineItem(); item.Price != nil {
			return item.Price.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list line items: %w", err)
	}
	return "", nil
}

func (p *StripeProcessor) ConstructEvent(payload []byte, signature string) (Event, error) {
	if p.webhookSecret == "" || signature == "" {
		return Event{}, ErrInvalidSignature
	}
	raw, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(raw)
}

func decodeEvent(raw stripe.Event) (Event, error) {
	event := Event{
		ID:      raw.ID,
		Type:    EventType(raw.Type),
		Created: time.Unix(raw.Created, 0).UTC(),
	}
	if raw.Data == nil {
		return event, nil
	}

	switch event.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &session); err != nil {
			return Event{}, fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
		}
		checkout := fromStripeSession(&session)
		event.Checkout = &checkout
	case EventInvoicePaid, EventInvoicePaymentFailed:
		var invoice invoicePayload
		if err := json.Unmarshal(raw.Data.Raw, &invoice); err != nil {
			return Event{}, fmt.Errorf("%w: invoice: %v", ErrInvalidPayload, err)
		}
		event.CustomerID = string(invoice.Customer)
		event.SubscriptionID = invoice.subscriptionID()
	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("%w: subscription: %v", ErrInvalidPayload, err)
		}
		event.SubscriptionID = sub.ID
		if sub.Customer != nil {
			event.CustomerID = sub.Customer.ID
		}
	case EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(raw.Data.Raw, &charge); err != nil {
			return Event{}, fmt.Errorf("%w: charge: %v", ErrInvalidPayload, err)
		}
		if charge.Customer != nil {
			event.CustomerID = charge.Customer.ID
		}
	}
	return event, nil
}

func fromStripeSession(s *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:            s.ID,
		Status:        string(s.Status),
		Mode:          string(s.Mode),
		PaymentStatus: string(s.PaymentStatus),
		CustomerEmail: s.CustomerEmail,
		AppUserID:     strings.TrimSpace(s.Metadata["appUserId"]),
		Created:       time.Unix(s.Created, 0).UTC(),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = s.CustomerDetails.Email
	}
	return out
}

// invoicePayload decodes the subscription ref from both the legacy top-level
// field and parent.subscription_details introduced in newer API versions.
type invoicePayload struct {
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i invoicePayload) subscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// expandableID accepts an id string, an expanded object with an id, or null.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(strings.TrimSpace(id))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}
