package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"allinone/internal/middleware"
)

// StripeWebhook runs after signature verification. Any processing error
// answers 500 so the processor redelivers.
func (h HandlerSet) StripeWebhook(c *gin.Context) {
	event, ok := middleware.WebhookEvent(c)
	if !ok {
		messageJSON(c, http.StatusBadRequest, "Invalid webhook signature.")
		return
	}

	duplicate, err := h.reconciler.Handle(c.Request.Context(), event)
	if err != nil {
		messageJSON(c, http.StatusInternalServerError, "Webhook processing failed.")
		return
	}
	if duplicate {
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
