// Package auth handles user registration, password login and access tokens. Every
// issued token is backed by a session row so logging out revokes it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hyperjump/patmaster/internal/apperr"
	"github.com/hyperjump/patmaster/internal/config"
	"github.com/hyperjump/patmaster/internal/models"
	"github.com/hyperjump/patmaster/internal/storage"
	"github.com/hyperjump/patmaster/internal/validate"
)

var errInvalidCredentials = apperr.New(apperr.ErrUnauthorized, "incorrect email or password", nil)

// RegisterRequest is the body of a registration.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	FullName string `json:"full_name" validate:"max=200"`
}

// LoginRequest is the body of a password login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Token is an issued access token.
type Token struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	User        *models.User `json:"user"`
}

// Identity is an authenticated caller.
type Identity struct {
	User      *models.User
	SessionID string
}

// Service issues and checks access tokens.
type Service struct {
	store  storage.Storage
	secret []byte
	ttl    time.Duration
	cost   int
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service. The JWT secret is required.
func NewService(store storage.Storage, cfg config.AuthConfig, logger *zap.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		store:  store,
		secret: []byte(cfg.JWTSecret),
		ttl:    ttl,
		cost:   cost,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Register creates an active user. A taken email is a conflict.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &models.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		FullName:     strings.TrimSpace(req.FullName),
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("User registered", zap.String("user_id", user.ID))
	return user, nil
}

// Login checks credentials, opens a session and returns an access token for it.
// Unknown emails, wrong passwords and inactive users fail the same way.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Token, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil || !user.IsActive {
		return nil, errInvalidCredentials
	}

	now := s.now()
	session := &models.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.ttl),
		IsActive:  true,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	signed, err := signToken(s.secret, user.ID, user.Email, session.ID, now, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	s.logger.Info("User logged in", zap.String("user_id", user.ID))
	return &Token{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.ttl / time.Second),
		User:        user,
	}, nil
}

// Authenticate resolves an access token to its user. The token's session must still be
// active and unexpired, and the user active.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Identity, error) {
	claims, err := parseToken(s.secret, raw)
	if err != nil {
		return nil, apperr.New(apperr.ErrUnauthorized, "could not validate credentials", err)
	}
	session, err := s.store.GetSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.New(apperr.ErrUnauthorized, "session not found", err)
		}
		return nil, err
	}
	if !session.IsActive || session.UserID != claims.Subject || !s.now().Before(session.ExpiresAt) {
		return nil, apperr.New(apperr.ErrUnauthorized, "session expired", nil)
	}
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.New(apperr.ErrUnauthorized, "could not validate credentials", err)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, apperr.New(apperr.ErrUnauthorized, "user is inactive", nil)
	}
	return &Identity{User: user, SessionID: session.ID}, nil
}

// Logout deactivates a session; its token stops working immediately.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.store.DeactivateSession(ctx, sessionID)
}
