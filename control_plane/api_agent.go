package main

import (
	"fmt"
	"net/http"

	"github.com/itskum47/AutoPatch/control_plane/identity"
	"github.com/itskum47/AutoPatch/control_plane/inventory"
	"github.com/itskum47/AutoPatch/control_plane/jobs"
	"github.com/itskum47/AutoPatch/control_plane/middleware"
	"github.com/itskum47/AutoPatch/control_plane/notify"
	"github.com/itskum47/AutoPatch/control_plane/store"
	"github.com/itskum47/AutoPatch/protocol"
)

// -- Agent registration and token rotation --

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	reg, err := a.agents.Register(r.Context(), r.Header.Get(protocol.HeaderBootstrapToken), identity.HostInfo{
		Hostname:       req.Hostname,
		IP:             req.IP,
		OSName:         req.OSName,
		OSVersion:      req.OSVersion,
		KernelVersion:  req.KernelVersion,
		PackageManager: req.PackageManager,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{AgentToken: reg.AgentToken, ServerID: reg.ServerID})
}

func (a *API) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.agents.RotateToken(r.Context(), r.Header.Get(protocol.HeaderAgentToken))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RotateTokenResponse{AgentToken: token})
}

// -- Heartbeat and job exchange --

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	srv, _ := middleware.AgentFromContext(r.Context())

	var req protocol.HeartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	if _, err := a.inventory.StoreSnapshot(r.Context(), srv, req.Inventory); err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(req.Inventory.SecurityUpdates) > 0 {
		current := a.refreshed(r, srv)
		a.alerts.Send(r.Context(), notify.SecurityUpdates(current, a.now()))
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	srv, _ := middleware.AgentFromContext(r.Context())

	if err := a.store.TouchServer(r.Context(), srv.ID, a.now()); err != nil {
		a.writeError(w, r, err)
		return
	}
	job, err := a.jobs.ClaimNext(r.Context(), srv.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := protocol.PollResponse{}
	if job != nil {
		resp.Job = &protocol.JobAssignment{ID: job.ID, JobType: job.JobType}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleJobResult(w http.ResponseWriter, r *http.Request) {
	srv, _ := middleware.AgentFromContext(r.Context())
	jobID := r.PathValue("id")

	var req protocol.JobResultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.JobID != "" && req.JobID != jobID {
		a.writeError(w, r, fmt.Errorf("job_id does not match path: %w", errBadRequest))
		return
	}

	var inv *store.Inventory
	if req.Inventory != nil {
		inv = inventory.Build(srv.ID, *req.Inventory, a.now())
	}

	job, err := a.jobs.SubmitResult(r.Context(), srv.ID, jobID, jobs.Result{
		StartedAt:  req.StartedAt,
		FinishedAt: req.FinishedAt,
		ExitCode:   req.ExitCode,
		Stdout:     req.Stdout,
		Stderr:     req.Stderr,
		Status:     req.Status,
	}, inv)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if job.Status == store.JobFailed {
		a.alerts.Send(r.Context(), notify.JobFailed(a.refreshed(r, srv), job.ID, a.now()))
	}
	writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: string(job.Status)})
}

// refreshed re-reads srv so alerts carry the descriptors just written. The
// authenticated copy is returned when the read fails.
func (a *API) refreshed(r *http.Request, srv *store.Server) *store.Server {
	current, err := a.store.GetServer(r.Context(), srv.ID)
	if err != nil {
		return srv
	}
	return current
}
