package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"allinone/internal/middleware"
	"allinone/internal/models"
	"allinone/internal/quota"
)

// guestIdentity reads the anonymous usage cookie, issuing a new one when it
// is missing or malformed, and combines it with the forwarded address.
func (h HandlerSet) guestIdentity(c *gin.Context) quota.GuestIdentity {
	name := h.cfg.Usage.AnonCookie
	anonID, _ := c.Cookie(name)
	if _, err := uuid.Parse(anonID); err != nil {
		anonID = uuid.NewString()
		h.setCookie(c, name, anonID, int(h.cfg.Usage.AnonCookieMaxAge.Seconds()))
	}
	return h.guest.Identify(c.Request.Header, anonID)
}

func (h HandlerSet) Entitlement(c *gin.Context) {
	caller := middleware.CurrentUser(c)
	var guest quota.GuestIdentity
	if caller == nil {
		guest = h.guestIdentity(c)
	}

	view, err := h.usage.Entitlement(c.Request.Context(), caller, guest)
	if err != nil {
		h.log.Error().Err(err).Msg("entitlement preview failed")
		messageJSON(c, http.StatusInternalServerError, "Could not load entitlement.")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated":  view.Authenticated,
		"plan":           view.Plan,
		"planStatus":     view.PlanStatus,
		"planExpiresAt":  view.PlanExpiresAt,
		"planLabel":      view.Label,
		"usageRemaining": view.UsageRemaining,
		"resetAt":        view.ResetAt,
	})
}

type consumeRequest struct {
	Tool string `json:"tool" binding:"required"`
}

func (h HandlerSet) ConsumeUsage(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validTool(req.Tool) {
		c.JSON(http.StatusBadRequest, gin.H{"allowed": false, "reason": "Invalid usage request payload."})
		return
	}

	caller := middleware.CurrentUser(c)
	var guest quota.GuestIdentity
	if caller == nil {
		guest = h.guestIdentity(c)
	}

	decision, err := h.usage.Consume(c.Request.Context(), caller, guest)
	if err != nil {
		// Never grant usage the counters could not record.
		h.log.Error().Err(err).Str("tool", req.Tool).Msg("usage consume failed")
		c.JSON(http.StatusInternalServerError, gin.H{"allowed": false, "reason": "Usage check failed. Please try again."})
		return
	}

	if decision.Unlimited {
		c.JSON(http.StatusOK, gin.H{
			"allowed":       true,
			"plan":          decision.Plan,
			"planStatus":    decision.PlanStatus,
			"planExpiresAt": decision.PlanExpiresAt,
			"remaining":     nil,
			"resetAt":       nil,
		})
		return
	}

	body := gin.H{
		"allowed":   decision.Allowed,
		"remaining": decision.Remaining,
		"resetAt":   decision.ResetAt,
		"plan":      planOrFree(decision.Plan),
	}
	if decision.Reason != "" {
		body["reason"] = decision.Reason
	}
	c.JSON(http.StatusOK, body)
}

func validTool(tool string) bool {
	n := len(strings.TrimSpace(tool))
	return n >= 2 && n <= 80
}

func planOrFree(plan models.Plan) models.Plan {
	if plan == "" {
		return models.PlanFree
	}
	return plan
}
