package middleware

import (
	"context"

	"github.com/itskum47/AutoPatch/control_plane/store"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// PrincipalKey holds the authenticated operator.
	PrincipalKey ContextKey = "principal"
	// AgentKey holds the server resolved from an agent token.
	AgentKey ContextKey = "agent"
)

// WithPrincipal returns a context carrying u.
func WithPrincipal(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, PrincipalKey, u)
}

// PrincipalFromContext returns the authenticated operator, if any.
func PrincipalFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(PrincipalKey).(*store.User)
	return u, ok && u != nil
}

// WithAgent returns a context carrying the calling server.
func WithAgent(ctx context.Context, srv *store.Server) context.Context {
	return context.WithValue(ctx, AgentKey, srv)
}

// AgentFromContext returns the calling server, if any.
func AgentFromContext(ctx context.Context) (*store.Server, bool) {
	srv, ok := ctx.Value(AgentKey).(*store.Server)
	return srv, ok && srv != nil
}
