package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"allinone/internal/config"
	"allinone/internal/ids"
	"allinone/internal/models"
	"allinone/internal/repository"
	"allinone/internal/security"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailNotVerified    = errors.New("email not verified")
	ErrInvalidVerification = errors.New("invalid verification token")
)

type UserStore interface {
	Create(ctx context.Context, user models.User) error
	GetByID(ctx context.Context, id string) (models.User, error)
	FindByEmail(ctx context.Context, emailLower string) (models.User, error)
	DeleteByID(ctx context.Context, id string) error
	VerifyEmail(ctx context.Context, tokenHash string, now time.Time) (models.User, error)
	TouchLogin(ctx context.Context, id string, now time.Time) error
}

type SessionStore interface {
	Create(ctx context.Context, session models.Session) error
	FindByTokenHash(ctx context.Context, tokenHash string, now time.Time) (models.Session, error)
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}

// PendingClaimer applies purchases made before the account existed.
type PendingClaimer interface {
	ClaimPendingForUser(ctx context.Context, userID, email string) (bool, error)
}

type AuthService struct {
	users    UserStore
	sessions SessionStore
	claimer  PendingClaimer
	mailer   Mailer
	validate *validator.Validate
	cfg      config.SecurityConfig
	appURL   string
	log      zerolog.Logger
	now      func() time.Time
}

func NewAuthService(
	users UserStore,
	sessions SessionStore,
	claimer PendingClaimer,
	mailer Mailer,
	cfg *config.AppConfig,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		claimer:  claimer,
		mailer:   mailer,
		validate: validator.New(),
		cfg:      cfg.Security,
		appURL:   strings.TrimRight(cfg.Stripe.AppURL, "/"),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type SignupInput struct {
	Name     string `validate:"min=2,max=80"`
	Email    string `validate:"required,email,max=200"`
	Password string `validate:"min=8,max=72"`
}

type SignupResult struct {
	User      models.User
	Delivered bool
	// VerificationURL is set only when the mail was not delivered.
	VerificationURL string
}

func (s *AuthService) Signup(ctx context.Context, input SignupInput) (SignupResult, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	if err := s.validate.Struct(input); err != nil {
		return SignupResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	emailLower := strings.ToLower(input.Email)

	if _, err := s.users.FindByEmail(ctx, emailLower); err == nil {
		return SignupResult{}, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return SignupResult{}, err
	}

	passwordHash, err := security.HashPassword(input.Password)
	if err != nil {
		return SignupResult{}, err
	}

	now := s.now()
	userID := ids.New()
	token, tokenHash, err := security.GenerateVerificationToken(s.cfg.VerificationSecret, userID, emailLower, s.cfg.VerificationTTL, now)
	if err != nil {
		return SignupResult{}, err
	}
	expires := now.Add(s.cfg.VerificationTTL)

	user := models.User{
		ID:                         userID,
		Name:                       input.Name,
		Email:                      input.Email,
		EmailLower:                 emailLower,
		PasswordHash:               passwordHash,
		VerificationTokenHash:      tokenHash,
		VerificationTokenExpiresAt: &expires,
		Plan:                       models.PlanFree,
		PlanStatus:                 models.PlanStatusActive,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return SignupResult{}, ErrEmailTaken
		}
		return SignupResult{}, err
	}

	link := s.appURL + "/api/auth/verify-email?token=" + url.QueryEscape(token)
	delivered, err := s.mailer.SendVerification(ctx, user.Email, user.Name, link)
	if err != nil {
		// An unverifiable account would block the address; roll it back.
		if rbErr := s.users.DeleteByID(ctx, user.ID); rbErr != nil {
			s.log.Error().Err(rbErr).Str("user_id", user.ID).Msg("signup rollback failed")
		}
		return SignupResult{}, fmt.Errorf("send verification: %w", err)
	}

	result := SignupResult{User: user, Delivered: delivered}
	if !delivered {
		result.VerificationURL = link
	}
	s.log.Info().Str("user_id", user.ID).Bool("delivered", delivered).Msg("account created")
	return result, nil
}

func (s *AuthService) VerifyEmail(ctx context.Context, token string) (models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.User{}, ErrInvalidVerification
	}
	now := s.now()
	if _, err := security.ParseVerificationToken(token, s.cfg.VerificationSecret, now); err != nil {
		return models.User{}, ErrInvalidVerification
	}

	user, err := s.users.VerifyEmail(ctx, security.HashToken(token), now)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.User{}, ErrInvalidVerification
		}
		return models.User{}, err
	}
	return user, nil
}

type LoginInput struct {
	Email    string `validate:"required,email,max=200"`
	Password string `validate:"min=8,max=72"`
	// PreviousToken is the session cookie presented with the login request.
	PreviousToken string `validate:"-"`
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      models.User
	Claimed   bool
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	if input.PreviousToken != "" {
		// Stale or already deleted sessions are fine to ignore.
		_ = s.sessions.DeleteByTokenHash(ctx, security.HashToken(input.PreviousToken))
	}

	input.Email = strings.TrimSpace(input.Email)
	if err := s.validate.Struct(input); err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	user, err := s.users.FindByEmail(ctx, strings.ToLower(input.Email))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	ok, err := security.VerifyPassword(input.Password, user.PasswordHash)
	if err != nil || !ok {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !user.EmailVerified {
		return LoginResult{}, ErrEmailNotVerified
	}

	// Rotation is cleanup; a failure must not block the login.
	if _, err := s.sessions.DeleteByUserID(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("session rotation failed")
	}

	token, tokenHash, err := security.GenerateSessionToken()
	if err != nil {
		return LoginResult{}, err
	}
	now := s.now()
	session := models.Session{
		ID:        ids.New(),
		TokenHash: tokenHash,
		UserID:    user.ID,
		Email:     user.EmailLower,
		Name:      user.Name,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return LoginResult{}, err
	}
	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		return LoginResult{}, err
	}

	// Claiming is retried on every login and via the claim endpoint.
	claimed, err := s.claimer.ClaimPendingForUser(ctx, user.ID, user.EmailLower)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("claim on login failed")
	}

	return LoginResult{Token: token, ExpiresAt: session.ExpiresAt, User: user, Claimed: claimed}, nil
}

func (s *AuthService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.DeleteByTokenHash(ctx, security.HashToken(token))
}

// CurrentUser resolves a session token. It returns nil without error when
// the token is unknown or expired.
func (s *AuthService) CurrentUser(ctx context.Context, token string) (*models.SessionUser, error) {
	if token == "" {
		return nil, nil
	}
	session, err := s.sessions.FindByTokenHash(ctx, security.HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &models.SessionUser{ID: session.UserID, Email: session.Email, Name: session.Name}, nil
}
