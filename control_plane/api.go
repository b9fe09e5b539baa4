package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/auth"
	"github.com/itskum47/AutoPatch/control_plane/coordination"
	"github.com/itskum47/AutoPatch/control_plane/idempotency"
	"github.com/itskum47/AutoPatch/control_plane/identity"
	"github.com/itskum47/AutoPatch/control_plane/inventory"
	"github.com/itskum47/AutoPatch/control_plane/jobs"
	"github.com/itskum47/AutoPatch/control_plane/middleware"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/store"
	"github.com/itskum47/AutoPatch/protocol"
)

var errBadRequest = errors.New("bad request")

const maxBodyBytes = 4 << 20

// API serves the agent and operator HTTP surface.
type API struct {
	store     store.Store
	agents    *identity.Service
	users     *auth.Service
	jobs      *jobs.Engine
	inventory *inventory.Service
	alerts    coordination.Alerter
	fleet     *DashboardService
	hub       *DashboardHub
	upgrader  websocket.Upgrader

	idempotency idempotency.Store
	auditLimit  int
	now         func() time.Time
	logger      zerolog.Logger
}

// APIConfig bundles the services the API is built from.
type APIConfig struct {
	Store       store.Store
	Agents      *identity.Service
	Users       *auth.Service
	Jobs        *jobs.Engine
	Inventory   *inventory.Service
	Alerts      coordination.Alerter
	Idempotency idempotency.Store
	AuditLimit  int
	// AllowedOrigins gates browser websocket handshakes.
	AllowedOrigins []string
}

func NewAPI(cfg APIConfig, logger zerolog.Logger) *API {
	if cfg.Idempotency == nil {
		cfg.Idempotency = idempotency.NewMemoryStore()
	}
	if cfg.AuditLimit <= 0 {
		cfg.AuditLimit = 500
	}
	api := &API{
		store:       cfg.Store,
		agents:      cfg.Agents,
		users:       cfg.Users,
		jobs:        cfg.Jobs,
		inventory:   cfg.Inventory,
		alerts:      cfg.Alerts,
		idempotency: cfg.Idempotency,
		auditLimit:  cfg.AuditLimit,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      observability.Component(logger, "api"),
	}
	api.fleet = NewDashboardService(cfg.Store)
	api.hub = NewDashboardHub(api.fleet, defaultBroadcastInterval, logger)
	api.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	return api
}

// originChecker admits requests without an Origin header (non-browser
// clients) and browsers from an allowed origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Routes returns the request router.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
	})

	// Agent
	mux.HandleFunc("POST "+protocol.PathRegister, a.handleRegister)
	mux.Handle("POST "+protocol.PathRotateToken, a.agent("rotate_token", a.handleRotateToken))
	mux.Handle("POST "+protocol.PathHeartbeat, a.agent("heartbeat", a.handleHeartbeat))
	mux.Handle("GET "+protocol.PathPoll, a.agent("poll", a.handlePoll))
	mux.Handle("POST /api/agent/jobs/{id}/result", a.agent("result", a.handleJobResult))

	// Operator
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.Handle("GET /api/users", a.operator(a.handleListUsers, auth.RoleAdmin))
	mux.Handle("POST /api/users", a.operator(a.handleCreateUser, auth.RoleAdmin))
	mux.Handle("GET /api/servers", a.operator(a.handleListServers))
	mux.Handle("GET /api/servers/{id}/inventory", a.operator(a.handleServerInventory))
	mux.Handle("GET /api/servers/{id}/updates", a.operator(a.handleServerUpdates))
	mux.Handle("GET /api/servers/{id}/jobs", a.operator(a.handleServerJobs))
	mux.Handle("POST /api/servers/{id}/rotate-token", a.operator(a.handleAdminRotateToken, auth.RoleAdmin))
	mux.Handle("POST /api/jobs", a.operator(a.withIdempotency(a.handleCreateJob), auth.RoleAdmin, auth.RoleOperator))
	mux.Handle("GET /api/jobs", a.operator(a.handleListJobs))
	mux.Handle("GET /api/jobs/{id}", a.operator(a.handleGetJob))
	mux.Handle("GET /api/jobs/{id}/results", a.operator(a.handleJobResults))
	mux.Handle("GET /api/approvals", a.operator(a.handleListApprovals))
	mux.Handle("POST /api/approvals/{id}/approve", a.operator(a.handleApprove, auth.RoleAdmin, auth.RoleOperator))
	mux.Handle("POST /api/approvals/{id}/deny", a.operator(a.handleDeny, auth.RoleAdmin, auth.RoleOperator))
	mux.Handle("GET /api/audit", a.operator(a.handleListAudit))
	mux.Handle("GET /api/dashboard", a.operator(a.handleGetDashboard))
	// Browsers cannot set headers on a websocket handshake, so the stream
	// authenticates itself.
	mux.HandleFunc("GET /api/dashboard/stream", a.handleDashboardStream)

	return mux
}

// operator wraps h with bearer authentication and, when roles are given, a
// role check.
func (a *API) operator(h http.HandlerFunc, roles ...string) http.Handler {
	var next http.Handler = h
	if len(roles) > 0 {
		next = middleware.RequireRole(roles...)(next)
	}
	return middleware.Auth(a.users)(next)
}

// agent wraps h with agent token authentication and the per-token rate
// limit.
func (a *API) agent(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(protocol.HeaderAgentToken)
		srv, err := a.agents.Authenticate(r.Context(), token)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if err := a.agents.CheckRate(token); err != nil {
			observability.APIRateLimited.WithLabelValues(endpoint).Inc()
			a.writeError(w, r, err)
			return
		}
		h(w, r.WithContext(middleware.WithAgent(r.Context(), srv)))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", errBadRequest)
	}
	return nil
}

// statusCode maps a service error to an HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, identity.ErrUnauthorized), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, identity.ErrBadRequest),
		errors.Is(err, jobs.ErrUnknownJobType),
		errors.Is(err, jobs.ErrUnknownStatus),
		errors.Is(err, auth.ErrInvalidUser):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the one place service errors become responses. Server errors
// are logged and their text withheld.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		a.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal server error"
	case http.StatusTooManyRequests:
		var rle *identity.RateLimitError
		if errors.As(err, &rle) {
			secs := int(math.Ceil(rle.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(1, secs)))
		}
	}
	writeJSON(w, code, protocol.ErrorResponse{Error: msg})
}
