package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/AutoPatch/control_plane/audit"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

const bootstrap = "bootstrap-secret"

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewService(s, bootstrap, NewTokenLimiter(5*time.Second), zerolog.Nop()), s
}

func host() HostInfo {
	return HostInfo{
		Hostname:       "web-01",
		IP:             "10.0.0.5",
		OSName:         "Ubuntu",
		OSVersion:      "22.04",
		KernelVersion:  "5.15.0",
		PackageManager: "apt",
	}
}

func TestNewTokenIsUniqueHex(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)

	assert.Len(t, a, 48)
	assert.NotEqual(t, a, b)
}

func TestRegisterRejectsBadBootstrap(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "wrong", host())
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Register(ctx, "", host())
	assert.ErrorIs(t, err, ErrUnauthorized)

	servers, _ := s.ListServers(ctx)
	assert.Empty(t, servers)
}

func TestRegisterWithoutConfiguredBootstrap(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), "", nil, zerolog.Nop())
	_, err := svc.Register(context.Background(), "", host())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegisterRequiresHostIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	h := host()
	h.IP = ""

	_, err := svc.Register(context.Background(), bootstrap, h)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRegisterCreatesServer(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	h := host()
	h.KernelVersion = ""

	reg, err := svc.Register(ctx, bootstrap, h)
	require.NoError(t, err)
	assert.True(t, reg.Created)
	assert.NotEmpty(t, reg.ServerID)

	srv, err := svc.Authenticate(ctx, reg.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, reg.ServerID, srv.ID)
	assert.Equal(t, "web-01", srv.Hostname)
	assert.Equal(t, "unknown", srv.KernelVersion)
	require.NotNil(t, srv.LastSeen)

	entries, _ := s.ListAudit(ctx, 10)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionAgentRegistered, entries[0].Action)
	assert.Equal(t, audit.ActorAgent, entries[0].ActorType)
}

func TestReRegisterIssuesNewToken(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, bootstrap, host())
	require.NoError(t, err)
	before, _ := s.GetServer(ctx, first.ServerID)

	h := host()
	h.OSVersion = "24.04"
	h.KernelVersion = ""
	second, err := svc.Register(ctx, bootstrap, h)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.ServerID, second.ServerID)
	assert.NotEqual(t, first.AgentToken, second.AgentToken)

	_, err = svc.Authenticate(ctx, first.AgentToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	srv, err := svc.Authenticate(ctx, second.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, "24.04", srv.OSVersion)
	assert.Equal(t, "5.15.0", srv.KernelVersion)
	assert.Equal(t, before.LastSeen, srv.LastSeen)

	servers, _ := s.ListServers(ctx)
	assert.Len(t, servers, 1)

	entries, _ := s.ListAudit(ctx, 1)
	assert.Equal(t, audit.ActionAgentTokenRotated, entries[0].Action)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Authenticate(ctx, "no-such-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRotateToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, bootstrap, host())
	require.NoError(t, err)

	next, err := svc.RotateToken(ctx, reg.AgentToken)
	require.NoError(t, err)
	assert.NotEqual(t, reg.AgentToken, next)

	_, err = svc.Authenticate(ctx, reg.AgentToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	srv, err := svc.Authenticate(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, reg.ServerID, srv.ID)

	_, err = svc.RotateToken(ctx, reg.AgentToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAdminRotate(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, bootstrap, host())
	require.NoError(t, err)

	next, err := svc.AdminRotate(ctx, reg.ServerID, "user-1")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, reg.AgentToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Authenticate(ctx, next)
	assert.NoError(t, err)

	entries, _ := s.ListAudit(ctx, 1)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, audit.ActorUser, entries[0].ActorType)
	assert.Equal(t, "user-1", *entries[0].ActorID)

	_, err = svc.AdminRotate(ctx, "missing", "user-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckRate(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.CheckRate("tok"))
	err := svc.CheckRate("tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rl.RetryAfter, 5*time.Second)
}

// denyLimiter rejects every call and records forgotten keys.
type denyLimiter struct {
	forgotten []string
}

func (d *denyLimiter) Allow(string) bool               { return false }
func (d *denyLimiter) RetryAfter(string) time.Duration { return 3 * time.Second }
func (d *denyLimiter) Forget(key string)               { d.forgotten = append(d.forgotten, key) }

func TestServiceUsesInjectedLimiter(t *testing.T) {
	limiter := &denyLimiter{}
	svc := NewService(store.NewMemoryStore(), bootstrap, limiter, zerolog.Nop())
	ctx := context.Background()

	reg, err := svc.Register(ctx, bootstrap, host())
	require.NoError(t, err)

	err = svc.CheckRate(reg.AgentToken)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 3*time.Second, rle.RetryAfter)

	_, err = svc.RotateToken(ctx, reg.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, []string{reg.AgentToken}, limiter.forgotten)
}
