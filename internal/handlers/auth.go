package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"allinone/internal/middleware"
	"allinone/internal/service"
)

type signupRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h HandlerSet) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		messageJSON(c, http.StatusBadRequest, "Invalid signup data.")
		return
	}

	result, err := h.auth.Signup(c.Request.Context(), service.SignupInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		messageJSON(c, http.StatusBadRequest, "Invalid signup data.")
		return
	case errors.Is(err, service.ErrEmailTaken):
		messageJSON(c, http.StatusConflict, "Email is already registered.")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("signup failed")
		messageJSON(c, http.StatusInternalServerError, "Could not create account right now. Please try again.")
		return
	}

	if result.Delivered {
		messageJSON(c, http.StatusCreated, "Account created. Check your email to verify your account.")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":            "Account created in dev mode. Mail is not configured yet, so use the verification link below.",
		"devVerificationUrl": result.VerificationURL,
	})
}

func (h HandlerSet) VerifyEmail(c *gin.Context) {
	target := h.appURL() + "/login?verified=1"
	if _, err := h.auth.VerifyEmail(c.Request.Context(), c.Query("token")); err != nil {
		if !errors.Is(err, service.ErrInvalidVerification) {
			h.log.Error().Err(err).Msg("verify email failed")
		}
		target = h.appURL() + "/login?verify=invalid"
	}
	c.Redirect(http.StatusTemporaryRedirect, target)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		messageJSON(c, http.StatusBadRequest, "Invalid login data.")
		return
	}

	result, err := h.auth.Login(c.Request.Context(), service.LoginInput{
		Email:         req.Email,
		Password:      req.Password,
		PreviousToken: middleware.SessionToken(c, h.cfg.Security.SessionCookie),
	})
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		messageJSON(c, http.StatusBadRequest, "Invalid login data.")
		return
	case errors.Is(err, service.ErrInvalidCredentials):
		messageJSON(c, http.StatusUnauthorized, "Invalid email or password.")
		return
	case errors.Is(err, service.ErrEmailNotVerified):
		messageJSON(c, http.StatusForbidden, "Please verify your email before logging in.")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("login failed")
		messageJSON(c, http.StatusInternalServerError, "Unable to log in right now.")
		return
	}

	h.setCookie(c, h.cfg.Security.SessionCookie, result.Token, int(h.cfg.Security.SessionTTL.Seconds()))
	c.JSON(http.StatusOK, gin.H{"message": "Logged in successfully.", "claimed": result.Claimed})
}

func (h HandlerSet) Logout(c *gin.Context) {
	token := middleware.SessionToken(c, h.cfg.Security.SessionCookie)
	// The cookie is cleared even when the session row cannot be deleted.
	if err := h.auth.Logout(c.Request.Context(), token); err != nil {
		h.log.Warn().Err(err).Msg("logout session delete failed")
	}
	h.setCookie(c, h.cfg.Security.SessionCookie, "", -1)
	messageJSON(c, http.StatusOK, "Logged out.")
}

func (h HandlerSet) Me(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "user": user})
}
