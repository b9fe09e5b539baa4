// Package auth handles operator accounts: password login, access tokens,
// roles and the admin seed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/audit"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

// Roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidUser        = errors.New("invalid user")
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// Service authenticates operators against the user table.
type Service struct {
	store  store.Store
	tokens *TokenIssuer
	logger zerolog.Logger
}

func NewService(s store.Store, tokens *TokenIssuer, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		tokens: tokens,
		logger: observability.Component(logger, "auth"),
	}
}

// Login checks credentials and returns an access token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if !u.IsActive || !CheckPassword(u.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return s.tokens.Generate(u.ID, u.Email, u.Role)
}

// Authenticate resolves an access token to an active user.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.User, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	u, err := s.store.GetUserByEmail(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, fmt.Errorf("%w: inactive user", ErrInvalidCredentials)
	}
	return u, nil
}

// CreateUser adds an operator account. actorID is the admin creating it,
// empty for the startup seed.
func (s *Service) CreateUser(ctx context.Context, actorID, email, password, role string) (*store.User, error) {
	email = normalizeEmail(email)
	if role == "" {
		role = RoleOperator
	}
	if email == "" || !strings.Contains(email, "@") || password == "" || !ValidRole(role) {
		return nil, ErrInvalidUser
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
	}
	actor := audit.System()
	if actorID != "" {
		actor = audit.User(actorID)
	}
	entry := audit.Entry(actor, audit.ActionUserCreated, audit.TargetUser, u.ID, u.Email, now)
	if err := s.store.CreateUser(ctx, u, entry); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID).Str("role", role).Msg("user created")
	return u, nil
}

// ListUsers returns every account.
func (s *Service) ListUsers(ctx context.Context) ([]*store.User, error) {
	return s.store.ListUsers(ctx)
}

// SeedAdmin creates the admin account if it does not exist yet.
func (s *Service) SeedAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	_, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_, err = s.CreateUser(ctx, "", email, password, RoleAdmin)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
