// Package identity authenticates agents: bootstrap registration, per-server
// token issue and rotation, token lookup and per-token rate limiting.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/audit"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrBadRequest      = errors.New("bad request")
	ErrTooManyRequests = errors.New("too many requests")
)

// RateLimitError is returned when a token calls again too soon.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrTooManyRequests
}

const tokenBytes = 24

// NewToken returns 24 random bytes, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HostInfo is what an agent reports about itself at registration.
type HostInfo struct {
	Hostname       string
	IP             string
	OSName         string
	OSVersion      string
	KernelVersion  string
	PackageManager string
}

// Registration is the outcome of Register.
type Registration struct {
	AgentToken string
	ServerID   string
	Created    bool
}

// Service implements agent identity on top of a Store.
type Service struct {
	store          store.Store
	bootstrapToken string
	limiter        RateLimiter
	now            func() time.Time
	logger         zerolog.Logger
}

// NewService creates a Service. An empty bootstrapToken rejects every
// registration.
func NewService(s store.Store, bootstrapToken string, limiter RateLimiter, logger zerolog.Logger) *Service {
	if limiter == nil {
		limiter = NewTokenLimiter(0)
	}
	return &Service{
		store:          s,
		bootstrapToken: bootstrapToken,
		limiter:        limiter,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         observability.Component(logger, "identity"),
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Register admits an agent holding the bootstrap secret. A known
// (hostname, ip) pair gets a fresh token and its non-empty descriptors
// refreshed; otherwise a new server is created.
func (s *Service) Register(ctx context.Context, bootstrap string, host HostInfo) (*Registration, error) {
	if s.bootstrapToken == "" || subtle.ConstantTimeCompare([]byte(bootstrap), []byte(s.bootstrapToken)) != 1 {
		return nil, fmt.Errorf("invalid bootstrap token: %w", ErrUnauthorized)
	}
	if host.Hostname == "" || host.IP == "" {
		return nil, fmt.Errorf("missing host identity: %w", ErrBadRequest)
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	now := s.now()

	// Lookup and create are separate steps and (hostname, ip) has no unique
	// index, so two concurrent first registrations can create two servers.
	existing, err := s.store.FindServerByHost(ctx, host.Hostname, host.IP)
	switch {
	case err == nil:
		existing.AgentToken = token
		existing.OSName = orDefault(host.OSName, existing.OSName)
		existing.OSVersion = orDefault(host.OSVersion, existing.OSVersion)
		existing.KernelVersion = orDefault(host.KernelVersion, existing.KernelVersion)
		existing.PackageManager = orDefault(host.PackageManager, existing.PackageManager)
		existing.UpdatedAt = now

		entry := audit.ForServer(audit.Agent(existing.ID), audit.ActionAgentTokenRotated, existing, now)
		if err := s.store.ReRegisterServer(ctx, existing, entry); err != nil {
			return nil, fmt.Errorf("re-register server: %w", err)
		}
		s.logger.Info().Str("server_id", existing.ID).Str("hostname", host.Hostname).Msg("agent re-registered")
		return &Registration{AgentToken: token, ServerID: existing.ID}, nil

	case errors.Is(err, store.ErrNotFound):
		seen := now
		srv := &store.Server{
			Hostname:       host.Hostname,
			IP:             host.IP,
			OSName:         orDefault(host.OSName, "unknown"),
			OSVersion:      orDefault(host.OSVersion, "unknown"),
			KernelVersion:  orDefault(host.KernelVersion, "unknown"),
			PackageManager: orDefault(host.PackageManager, "unknown"),
			AgentToken:     token,
			LastSeen:       &seen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		srv.ID = uuid.NewString()
		entry := audit.ForServer(audit.Agent(srv.ID), audit.ActionAgentRegistered, srv, now)
		if err := s.store.CreateServer(ctx, srv, entry); err != nil {
			return nil, fmt.Errorf("create server: %w", err)
		}
		s.logger.Info().Str("server_id", srv.ID).Str("hostname", host.Hostname).Msg("agent registered")
		return &Registration{AgentToken: token, ServerID: srv.ID, Created: true}, nil

	default:
		return nil, fmt.Errorf("lookup server: %w", err)
	}
}

// Authenticate resolves the server owning token.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.Server, error) {
	if token == "" {
		return nil, fmt.Errorf("missing agent token: %w", ErrUnauthorized)
	}
	srv, err := s.store.GetServerByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("invalid agent token: %w", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// CheckRate applies the per-token rate limit.
func (s *Service) CheckRate(token string) error {
	if s.limiter.Allow(token) {
		return nil
	}
	return &RateLimitError{RetryAfter: s.limiter.RetryAfter(token)}
}

// RotateToken swaps currentToken for a new one. The old token stops
// authenticating in the same write that installs the new one.
func (s *Service) RotateToken(ctx context.Context, currentToken string) (string, error) {
	srv, err := s.Authenticate(ctx, currentToken)
	if err != nil {
		return "", err
	}
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	now := s.now()
	entry := audit.ForServer(audit.Agent(srv.ID), audit.ActionAgentTokenRotated, srv, now)
	err = s.store.RotateServerToken(ctx, srv.ID, currentToken, token, now, entry)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// Rotated concurrently; the presented token is already dead.
		return "", fmt.Errorf("invalid agent token: %w", ErrUnauthorized)
	}
	if err != nil {
		return "", err
	}
	s.limiter.Forget(currentToken)
	s.logger.Info().Str("server_id", srv.ID).Msg("agent token rotated")
	return token, nil
}

// AdminRotate issues a new token for a server on behalf of an operator.
func (s *Service) AdminRotate(ctx context.Context, serverID, userID string) (string, error) {
	srv, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return "", err
	}
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	now := s.now()
	entry := audit.ForServer(audit.User(userID), audit.ActionAgentTokenRotated, srv, now)
	if err := s.store.RotateServerToken(ctx, srv.ID, "", token, now, entry); err != nil {
		return "", err
	}
	s.limiter.Forget(srv.AgentToken)
	s.logger.Info().Str("server_id", srv.ID).Str("user_id", userID).Msg("agent token rotated by operator")
	return token, nil
}
