package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allinone/internal/billing"
	"allinone/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubProvider struct {
	users map[string]*models.SessionUser
	err   error
}

func (p stubProvider) CurrentUser(_ context.Context, token string) (*models.SessionUser, error) {
	return p.users[token], p.err
}

func newSessionEngine(provider IdentityProvider) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Session(provider, "aio_session", zerolog.Nop()))
	r.GET("/whoami", func(c *gin.Context) {
		if user := CurrentUser(c); user != nil {
			c.String(http.StatusOK, user.ID)
			return
		}
		c.String(http.StatusOK, "guest")
	})
	r.GET("/private", RequireSession(), func(c *gin.Context) {
		c.String(http.StatusOK, CurrentUser(c).Email)
	})
	return r
}

func get(r http.Handler, path, cookie string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "aio_session", Value: cookie})
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSessionResolvesCaller(t *testing.T) {
	r := newSessionEngine(stubProvider{users: map[string]*models.SessionUser{
		"tok": {ID: "u1", Email: "a@example.com"},
	}})

	assert.Equal(t, "u1", get(r, "/whoami", "tok").Body.String())
	assert.Equal(t, "guest", get(r, "/whoami", "").Body.String())
	assert.Equal(t, "guest", get(r, "/whoami", "unknown").Body.String())

	w := get(r, "/private", "tok")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a@example.com", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	assert.Equal(t, http.StatusUnauthorized, get(r, "/private", "").Code)
}

func TestSessionLookupFailureDegradesToGuest(t *testing.T) {
	r := newSessionEngine(stubProvider{err: errors.New("db down")})

	w := get(r, "/whoami", "tok")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "guest", w.Body.String())
	assert.Equal(t, http.StatusUnauthorized, get(r, "/private", "tok").Code)
}

type stubVerifier struct {
	event billing.Event
	err   error
}

func (v stubVerifier) ConstructEvent(payload []byte, signature string) (billing.Event, error) {
	if v.err != nil {
		return billing.Event{}, v.err
	}
	return v.event, nil
}

func TestWebhookSignature(t *testing.T) {
	build := func(v EventVerifier) *gin.Engine {
		r := gin.New()
		r.POST("/hook", WebhookSignature(v, nil, zerolog.Nop()), func(c *gin.Context) {
			event, ok := WebhookEvent(c)
			require.True(t, ok)
			c.String(http.StatusOK, event.ID)
		})
		return r
	}
	post := func(r http.Handler, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{"id":"evt_1"}`))
		if sig != "" {
			req.Header.Set("Stripe-Signature", sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	ok := build(stubVerifier{event: billing.Event{ID: "evt_1"}})
	w := post(ok, "t=1,v1=abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "evt_1", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, post(ok, "").Code)

	bad := build(stubVerifier{err: billing.ErrInvalidSignature})
	w = post(bad, "t=1,v1=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid webhook signature.")
}

func TestRecoveryAndCORS(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery(zerolog.Nop()), CORS([]string{"https://app.example.com/"}))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	preflight := httptest.NewRequest(http.MethodOptions, "/boom", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, preflight)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	other := httptest.NewRequest(http.MethodOptions, "/boom", nil)
	other.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, other)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWithoutAllowListOmitsCredentials(t *testing.T) {
	r := gin.New()
	r.Use(CORS(nil))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "https://anywhere.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSAllowListSendsCredentials(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}
