package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"allinone/internal/billing"
	"allinone/internal/config"
	"allinone/internal/entitlement"
	"allinone/internal/metrics"
	"allinone/internal/middleware"
	"allinone/internal/models"
	"allinone/internal/quota"
	"allinone/internal/service"
)

// HealthCheck pings one backing dependency.
type HealthCheck func(ctx context.Context) error

type UserLookup interface {
	GetByID(ctx context.Context, id string) (models.User, error)
}

// Deps are the collaborators the handlers are built from.
type Deps struct {
	Log        zerolog.Logger
	Config     *config.AppConfig
	Auth       *service.AuthService
	Usage      *service.UsageService
	Guest      *quota.GuestPolicy
	Users      UserLookup
	Linker     *billing.Linker
	Reconciler *billing.Reconciler
	Processor  billing.Processor
	Prices     entitlement.PriceMap
	Metrics    *metrics.Metrics
	Checks     map[string]HealthCheck
}

type HandlerSet struct {
	log        zerolog.Logger
	cfg        *config.AppConfig
	auth       *service.AuthService
	usage      *service.UsageService
	guest      *quota.GuestPolicy
	users      UserLookup
	linker     *billing.Linker
	reconciler *billing.Reconciler
	processor  billing.Processor
	prices     entitlement.PriceMap
	metrics    *metrics.Metrics
	checks     map[string]HealthCheck
}

func NewHandlerSet(deps Deps) HandlerSet {
	return HandlerSet{
		log:        deps.Log,
		cfg:        deps.Config,
		auth:       deps.Auth,
		usage:      deps.Usage,
		guest:      deps.Guest,
		users:      deps.Users,
		linker:     deps.Linker,
		reconciler: deps.Reconciler,
		processor:  deps.Processor,
		prices:     deps.Prices,
		metrics:    deps.Metrics,
		checks:     deps.Checks,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	// The webhook authenticates by signature, not by session.
	router.POST("/stripe/webhook", middleware.WebhookSignature(h.processor, h.metrics, h.log), h.StripeWebhook)

	api := router.Group("")
	api.Use(middleware.Session(h.auth, h.cfg.Security.SessionCookie, h.log))
	{
		auth := api.Group("/auth")
		auth.POST("/signup", h.Signup)
		auth.GET("/verify-email", h.VerifyEmail)
		auth.POST("/login", h.Login)
		auth.POST("/logout", h.Logout)
		auth.GET("/me", h.Me)

		api.GET("/me/entitlement", h.Entitlement)
		api.POST("/usage/consume", h.ConsumeUsage)

		account := api.Group("")
		account.Use(middleware.RequireSession())
		account.POST("/stripe/checkout", h.StripeCheckout)
		account.POST("/stripe/portal", h.StripePortal)
		account.POST("/stripe/reconcile", h.StripeReconcile)
		account.POST("/billing/claim", h.ClaimPending)
	}
}

func (h HandlerSet) appURL() string {
	return strings.TrimRight(h.cfg.Stripe.AppURL, "/")
}

func (h HandlerSet) cookieSecure() bool {
	return h.cfg.Security.CookieSecure || h.cfg.IsProduction()
}

func (h HandlerSet) setCookie(c *gin.Context, name, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure(),
		SameSite: http.SameSiteLaxMode,
	})
}

func messageJSON(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"message": message})
}
