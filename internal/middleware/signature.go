package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"allinone/internal/billing"
	"allinone/internal/metrics"
)

const (
	webhookEventKey       = "webhook_event"
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBody        = 1 << 20
)

// EventVerifier checks a webhook signature and decodes the event.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (billing.Event, error)
}

// WebhookSignature verifies the processor signature over the raw body before
// any handler runs. Rejected requests never touch state.
func WebhookSignature(verifier EventVerifier, m *metrics.Metrics, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		signature := c.GetHeader(stripeSignatureHeader)
		if signature == "" {
			m.WebhookEvent("unknown", metrics.OutcomeRejected)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Missing Stripe signature."})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
		rawBody, err := c.GetRawData()
		if err != nil {
			m.WebhookEvent("unknown", metrics.OutcomeRejected)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid webhook body."})
			return
		}

		event, err := verifier.ConstructEvent(rawBody, signature)
		if err != nil {
			m.WebhookEvent("unknown", metrics.OutcomeRejected)
			log.Warn().Err(err).Str("request_id", RequestIDFrom(c)).Msg("webhook rejected")
			message := "Invalid webhook signature."
			if errors.Is(err, billing.ErrInvalidPayload) {
				message = "Invalid webhook payload."
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": message})
			return
		}

		c.Set(webhookEventKey, event)
		c.Next()
	}
}

func WebhookEvent(c *gin.Context) (billing.Event, bool) {
	val, ok := c.Get(webhookEventKey)
	if !ok {
		return billing.Event{}, false
	}
	event, ok := val.(billing.Event)
	return event, ok
}
