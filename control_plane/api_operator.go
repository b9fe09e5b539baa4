package main

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/itskum47/AutoPatch/control_plane/middleware"
	"github.com/itskum47/AutoPatch/control_plane/store"
	"github.com/itskum47/AutoPatch/protocol"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleLogin accepts JSON or a form post. Form posts may name the email
// field "username".
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			a.writeError(w, r, fmt.Errorf("invalid form: %w", errBadRequest))
			return
		}
		req.Email = r.PostForm.Get("email")
		if req.Email == "" {
			req.Email = r.PostForm.Get("username")
		}
		req.Password = r.PostForm.Get("password")
	default:
		if err := decodeJSON(w, r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	if req.Email == "" || req.Password == "" {
		a.writeError(w, r, fmt.Errorf("email and password are required: %w", errBadRequest))
		return
	}

	token, err := a.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer"})
}

// -- Users --

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.ListUsers(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	u, err := a.users.CreateUser(r.Context(), principal.ID, req.Email, req.Password, req.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// -- Servers --

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.fleet.Servers(r.Context(), a.now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (a *API) handleServerInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := a.inventory.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (a *API) handleServerUpdates(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetServer(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	updates, err := a.inventory.Updates(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

func (a *API) handleServerJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetServer(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	list, err := a.jobs.List(r.Context(), store.JobFilter{ServerID: id})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleAdminRotateToken(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	id := r.PathValue("id")

	token, err := a.agents.AdminRotate(r.Context(), id, principal.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{AgentToken: token, ServerID: id})
}

// -- Audit --

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, a.auditLimit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	entries, err := a.store.ListAudit(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// queryLimit reads ?limit=, defaulting to and capped at ceiling.
func queryLimit(r *http.Request, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return ceiling, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q: %w", raw, errBadRequest)
	}
	return min(n, ceiling), nil
}
