package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"allinone/internal/billing"
	"allinone/internal/config"
	"allinone/internal/entitlement"
	"allinone/internal/metrics"
	"allinone/internal/middleware"
	"allinone/internal/models"
	"allinone/internal/quota"
	"allinone/internal/repository/memstore"
	"allinone/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) CreateCustomer(ctx context.Context, email, name, userID string) (string, error) {
	args := m.Called(ctx, email, name, userID)
	return args.String(0), args.Error(1)
}

func (m *mockProcessor) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockProcessor) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	args := m.Called(ctx, customerID, returnURL)
	return args.String(0), args.Error(1)
}

func (m *mockProcessor) ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]billing.CheckoutSession, error) {
	args := m.Called(ctx, customerID, limit)
	sessions, _ := args.Get(0).([]billing.CheckoutSession)
	return sessions, args.Error(1)
}

func (m *mockProcessor) CheckoutPriceID(ctx context.Context, sessionID string) (string, error) {
	args := m.Called(ctx, sessionID)
	return args.String(0), args.Error(1)
}

func (m *mockProcessor) ConstructEvent(payload []byte, signature string) (billing.Event, error) {
	args := m.Called(payload, signature)
	return args.Get(0).(billing.Event), args.Error(1)
}

type testServer struct {
	engine    *gin.Engine
	store     *memstore.Store
	processor *mockProcessor
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Environment: "test",
		Security: config.SecurityConfig{
			SessionCookie:      "aio_session",
			SessionTTL:         7 * 24 * time.Hour,
			VerificationSecret: "verify-secret",
			VerificationTTL:    24 * time.Hour,
		},
		Usage: config.UsageConfig{
			GuestDailyLimit:  3,
			FreeWeeklyLimit:  10,
			HashSalt:         "salt",
			AnonCookie:       "aio_anon",
			AnonCookieMaxAge: 365 * 24 * time.Hour,
		},
		Stripe: config.StripeConfig{AppURL: "http://localhost:3000"},
	}
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	cfg := testConfig()
	log := zerolog.Nop()
	store := memstore.New()
	processor := &mockProcessor{}
	m := metrics.New()
	prices := entitlement.NewPriceMap("price_day", "price_month", "price_year")

	guest := quota.NewGuestPolicy(store.Counters(), cfg.Usage.GuestDailyLimit, cfg.Usage.HashSalt)
	free := quota.NewFreePolicy(store.Counters(), cfg.Usage.FreeWeeklyLimit)
	linker := billing.NewLinker(store.Users(), store.Pending(), processor, m, log)
	reconciler := billing.NewReconciler(store.Events(), linker, processor, prices, m, log)
	auth := service.NewAuthService(store.Users(), store.Sessions(), linker, service.NewLogMailer(log, false), cfg, log)

	h := NewHandlerSet(Deps{
		Log:        log,
		Config:     cfg,
		Auth:       auth,
		Usage:      service.NewUsageService(store.Users(), guest, free, m, log),
		Guest:      guest,
		Users:      store.Users(),
		Linker:     linker,
		Reconciler: reconciler,
		Processor:  processor,
		Prices:     prices,
		Metrics:    m,
		Checks:     checks,
	})

	engine := gin.New()
	engine.Use(middleware.RequestID(), middleware.Recovery(log))
	h.Register(engine.Group("/api"))
	return &testServer{engine: engine, store: store, processor: processor}
}

func (s *testServer) do(method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func cookieNamed(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// login signs up, verifies and logs in, returning the session cookie and
// user id.
func (s *testServer) login(t *testing.T, email string) (*http.Cookie, string) {
	t.Helper()
	w := s.do(http.MethodPost, "/api/auth/signup", gin.H{"name": "Ada", "email": email, "password": "password123"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	link, err := url.Parse(decode(t, w)["devVerificationUrl"].(string))
	require.NoError(t, err)

	w = s.do(http.MethodGet, "/api/auth/verify-email?"+link.RawQuery, nil)
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	require.Equal(t, "http://localhost:3000/login?verified=1", w.Header().Get("Location"))

	w = s.do(http.MethodPost, "/api/auth/login", gin.H{"email": email, "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := cookieNamed(w, "aio_session")
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	w = s.do(http.MethodGet, "/api/auth/me", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]any)
	return session, user["id"].(string)
}

func TestGuestConsumeRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/usage/consume", gin.H{"tool": "image-compressor"})
	require.Equal(t, http.StatusOK, w.Code)
	anon := cookieNamed(w, "aio_anon")
	require.NotNil(t, anon, "first guest request issues the anon cookie")
	assert.Equal(t, float64(2), decode(t, w)["remaining"])

	for _, want := range []float64{1, 0} {
		w = s.do(http.MethodPost, "/api/usage/consume", gin.H{"tool": "image-compressor"}, anon)
		body := decode(t, w)
		assert.Equal(t, true, body["allowed"])
		assert.Equal(t, want, body["remaining"])
		assert.Nil(t, cookieNamed(w, "aio_anon"))
	}

	w = s.do(http.MethodPost, "/api/usage/consume", gin.H{"tool": "image-compressor"}, anon)
	body := decode(t, w)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, float64(0), body["remaining"])
	assert.Equal(t, service.ReasonGuestLimit, body["reason"])
	assert.Equal(t, "free", body["plan"])

	w = s.do(http.MethodGet, "/api/me/entitlement", nil, anon)
	body = decode(t, w)
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, float64(0), body["usageRemaining"])
}

func TestConsumeRejectsInvalidPayload(t *testing.T) {
	s := newTestServer(t, nil)
	for _, payload := range []any{nil, gin.H{}, gin.H{"tool": "x"}} {
		w := s.do(http.MethodPost, "/api/usage/consume", payload)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, false, decode(t, w)["allowed"])
	}
}

func TestAuthFlowAndEntitlement(t *testing.T) {
	s := newTestServer(t, nil)
	session, _ := s.login(t, "ada@example.com")

	w := s.do(http.MethodGet, "/api/me/entitlement", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "free", body["plan"])
	assert.Equal(t, "Free", body["planLabel"])
	assert.Equal(t, float64(10), body["usageRemaining"])

	w = s.do(http.MethodPost, "/api/auth/logout", nil, session)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodGet, "/api/auth/me", nil, session)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignupAndLoginErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/auth/signup", gin.H{"name": "Ada", "email": "bad", "password": "password123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/auth/signup", gin.H{"name": "Ada", "email": "a@example.com", "password": "password123"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, "/api/auth/signup", gin.H{"name": "Ada", "email": "A@example.com", "password": "password123"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/auth/login", gin.H{"email": "a@example.com", "password": "password123"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(http.MethodPost, "/api/auth/login", gin.H{"email": "a@example.com", "password": "nope-nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/auth/verify-email?token=forged", nil)
	assert.Equal(t, "http://localhost:3000/login?verify=invalid", w.Header().Get("Location"))
}

func TestWebhookResponses(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	s.processor.On("ConstructEvent", mock.Anything, "bad").Return(billing.Event{}, billing.ErrInvalidSignature)
	w := s.do(http.MethodPost, "/api/stripe/webhook", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing signature header")

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewBufferString(`{}`))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		s.engine.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusBadRequest, post("bad").Code)

	s.store.Users().Put(models.User{ID: "u1", EmailLower: "a@example.com", Plan: models.PlanFree, PlanStatus: models.PlanStatusActive})
	s.processor.On("ConstructEvent", mock.Anything, "good").Return(billing.Event{
		ID:      "evt_1",
		Type:    billing.EventCheckoutCompleted,
		Created: time.Now().UTC(),
		Checkout: &billing.CheckoutSession{
			ID:         "cs_1",
			CustomerID: "cus_1",
			AppUserID:  "u1",
		},
	}, nil)
	s.processor.On("CheckoutPriceID", mock.Anything, "cs_1").Return("price_month", nil).Once()

	w = post("good")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"received": true}, decode(t, w))

	user, err := s.store.Users().GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanProMonthly, user.Plan)

	w = post("good")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"received": true, "duplicate": true}, decode(t, w))

	s.processor.On("ConstructEvent", mock.Anything, "failing").Return(billing.Event{
		ID:       "evt_2",
		Type:     billing.EventCheckoutCompleted,
		Checkout: &billing.CheckoutSession{ID: "cs_2"},
	}, nil)
	s.processor.On("CheckoutPriceID", mock.Anything, "cs_2").Return("", errors.New("stripe unavailable"))
	assert.Equal(t, http.StatusInternalServerError, post("failing").Code)

	s.processor.AssertExpectations(t)
}

func TestCheckoutRequiresSessionAndCreatesCustomerOnce(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/stripe/checkout", gin.H{"plan": "pro_monthly"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	session, userID := s.login(t, "buyer@example.com")

	w = s.do(http.MethodPost, "/api/stripe/checkout", gin.H{"plan": "enterprise"}, session)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.processor.On("CreateCustomer", mock.Anything, "buyer@example.com", "Ada", userID).Return("cus_42", nil).Once()
	s.processor.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req billing.CheckoutRequest) bool {
		return req.CustomerID == "cus_42" && req.PriceID == "price_day" && req.Plan == models.PlanDayPass &&
			req.UserID == userID && req.SuccessURL == "http://localhost:3000/pricing?checkout=success"
	})).Return("https://checkout.example/session", nil).Twice()

	for i := 0; i < 2; i++ {
		w = s.do(http.MethodPost, "/api/stripe/checkout", gin.H{"plan": "day_pass"}, session)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "https://checkout.example/session", decode(t, w)["url"])
	}
	s.processor.AssertExpectations(t)
}

func TestPortalReconcileAndClaim(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	session, userID := s.login(t, "late@example.com")

	w := s.do(http.MethodPost, "/api/stripe/portal", nil, session)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/stripe/reconcile", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"updated": false, "reason": billing.ReasonNoCustomer}, decode(t, w))

	w = s.do(http.MethodPost, "/api/billing/claim", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["claimed"])

	expires := time.Now().UTC().Add(24 * time.Hour)
	require.NoError(t, s.store.Pending().Create(ctx, models.PendingPurchase{
		ID:               "pending-late",
		Email:            "late@example.com",
		EmailLower:       "late@example.com",
		Plan:             models.PlanDayPass,
		PlanStatus:       models.PlanStatusActive,
		PlanExpiresAt:    &expires,
		StripeCustomerID: "cus_7",
		CreatedAt:        time.Now().UTC(),
	}))
	w = s.do(http.MethodPost, "/api/billing/claim", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["claimed"])

	w = s.do(http.MethodPost, "/api/usage/consume", gin.H{"tool": "pdf-merge"}, session)
	body := decode(t, w)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "day_pass", body["plan"])
	assert.Nil(t, body["remaining"])

	s.processor.On("CreatePortalSession", mock.Anything, "cus_7", "http://localhost:3000/pricing").Return("https://portal.example", nil)
	w = s.do(http.MethodPost, "/api/stripe/portal", nil, session)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://portal.example", w.Header().Get("Location"))

	s.processor.On("ListCheckoutSessions", mock.Anything, "cus_7", 10).Return([]billing.CheckoutSession{
		{ID: "cs_1", Status: "complete", Mode: "subscription", CustomerID: "cus_7", SubscriptionID: "sub_7"},
	}, nil)
	s.processor.On("CheckoutPriceID", mock.Anything, "cs_1").Return("price_year", nil)
	w = s.do(http.MethodPost, "/api/stripe/reconcile", nil, session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"updated": true, "plan": "pro_yearly"}, decode(t, w))

	user, err := s.store.Users().GetByID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "sub_7", user.StripeSubscriptionID)
}

func TestHealth(t *testing.T) {
	ok := newTestServer(t, map[string]HealthCheck{
		"mongo": func(context.Context) error { return nil },
	})
	w := ok.do(http.MethodGet, "/api/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newTestServer(t, map[string]HealthCheck{
		"mongo": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("refused") },
	})
	w = down.do(http.MethodGet, "/api/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"mongo": "ok", "redis": "error"}, body["dependencies"])
}

func TestBillingFailuresDoNotLeakUpstreamErrors(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	session, userID := s.login(t, "leak@example.com")

	_, err := s.store.Users().SetCustomerIDIfEmpty(ctx, userID, "cus_9")
	require.NoError(t, err)
	s.processor.On("ListCheckoutSessions", mock.Anything, "cus_9", 10).
		Return(nil, errors.New("stripe: invalid api key sk_live_abc"))

	w := s.do(http.MethodPost, "/api/stripe/reconcile", nil, session)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Could not reconcile billing right now.", decode(t, w)["message"])
	assert.NotContains(t, w.Body.String(), "sk_live")
}
