package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"allinone/internal/billing"
	"allinone/internal/middleware"
	"allinone/internal/models"
	"allinone/internal/repository"
)

// loadUser fetches the signed-in caller's record, answering 404 or 500
// itself when it cannot.
func (h HandlerSet) loadUser(c *gin.Context) (models.User, bool) {
	caller := middleware.CurrentUser(c)
	user, err := h.users.GetByID(c.Request.Context(), caller.ID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			messageJSON(c, http.StatusNotFound, "User not found.")
			return models.User{}, false
		}
		h.log.Error().Err(err).Str("user_id", caller.ID).Msg("load user failed")
		messageJSON(c, http.StatusInternalServerError, "Could not load account.")
		return models.User{}, false
	}
	return user, true
}

type checkoutRequest struct {
	Plan models.Plan `json:"plan" binding:"required,oneof=day_pass pro_monthly pro_yearly"`
}

func (h HandlerSet) StripeCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		messageJSON(c, http.StatusBadRequest, "Invalid checkout request.")
		return
	}

	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	priceID, err := h.prices.PriceForPlan(req.Plan)
	if err != nil {
		h.log.Error().Err(err).Str("plan", string(req.Plan)).Msg("checkout price missing")
		messageJSON(c, http.StatusInternalServerError, "Could not create checkout session.")
		return
	}

	customerID, err := h.linker.EnsureCustomerID(ctx, user)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("ensure customer failed")
		messageJSON(c, http.StatusInternalServerError, "Could not create checkout session.")
		return
	}

	appURL := h.appURL()
	url, err := h.processor.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		CustomerID: customerID,
		PriceID:    priceID,
		Plan:       req.Plan,
		UserID:     user.ID,
		Email:      user.EmailLower,
		SuccessURL: appURL + "/pricing?checkout=success",
		CancelURL:  appURL + "/pricing?checkout=canceled",
	})
	if err != nil || url == "" {
		h.log.Error().Err(err).Str("user_id", user.ID).Str("customer_id", customerID).Msg("create checkout failed")
		messageJSON(c, http.StatusInternalServerError, "Could not create checkout session.")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h HandlerSet) StripePortal(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}
	if user.StripeCustomerID == "" {
		messageJSON(c, http.StatusBadRequest, "No billing profile found for this account.")
		return
	}

	url, err := h.processor.CreatePortalSession(c.Request.Context(), user.StripeCustomerID, h.appURL()+"/pricing")
	if err != nil {
		h.log.Error().Err(err).Str("customer_id", user.StripeCustomerID).Msg("create portal failed")
		messageJSON(c, http.StatusInternalServerError, "Could not open billing portal.")
		return
	}
	c.Redirect(http.StatusSeeOther, url)
}

func (h HandlerSet) StripeReconcile(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	result, err := billing.ReconcileUser(c.Request.Context(), h.processor, h.linker, h.prices, user)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("manual reconcile failed")
		messageJSON(c, http.StatusInternalServerError, "Could not reconcile billing right now.")
		return
	}
	if !result.Updated {
		c.JSON(http.StatusOK, gin.H{"updated": false, "reason": result.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true, "plan": result.Plan})
}

func (h HandlerSet) ClaimPending(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	claimed, err := h.linker.ClaimPendingForUser(c.Request.Context(), user.ID, user.EmailLower)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("claim failed")
		messageJSON(c, http.StatusInternalServerError, "Could not claim purchases.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": claimed})
}
