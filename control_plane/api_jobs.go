package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itskum47/AutoPatch/control_plane/idempotency"
	"github.com/itskum47/AutoPatch/control_plane/jobs"
	"github.com/itskum47/AutoPatch/control_plane/middleware"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

// IdempotencyHeader names the client key that makes job creation safe to
// retry.
const IdempotencyHeader = "Idempotency-Key"

const maxJobList = 1000

type createJobRequest struct {
	ServerID    string     `json:"server_id"`
	JobType     string     `json:"job_type"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	// RequiresApproval defaults to true when omitted.
	RequiresApproval *bool `json:"requires_approval"`
}

type decisionRequest struct {
	Reason string `json:"reason"`
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response for a repeated key. Keys are
// scoped to the calling user. A key still in flight is a conflict. Only
// responses below 500 are stored.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}
		if principal, ok := middleware.PrincipalFromContext(r.Context()); ok {
			key = principal.ID + ":" + key
		}

		ctx := r.Context()
		if resp, err := a.idempotency.Get(ctx, key); err != nil {
			a.writeError(w, r, fmt.Errorf("idempotency lookup: %w", err))
			return
		} else if resp != nil {
			observability.IdempotentReplays.Inc()
			replay(w, resp)
			return
		}

		locked, err := a.idempotency.Lock(ctx, key)
		if err != nil {
			a.writeError(w, r, fmt.Errorf("idempotency lock: %w", err))
			return
		}
		if !locked {
			a.writeError(w, r, fmt.Errorf("request with this %s is in progress: %w", IdempotencyHeader, store.ErrConflict))
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode >= http.StatusInternalServerError {
			if err := a.idempotency.Unlock(ctx, key); err != nil {
				a.logger.Warn().Err(err).Msg("idempotency unlock failed")
			}
			return
		}
		if err := a.idempotency.Save(ctx, key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			CreatedAt:  a.now(),
		}); err != nil {
			a.logger.Warn().Err(err).Msg("idempotency save failed")
		}
	}
}

func replay(w http.ResponseWriter, resp *idempotency.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// -- Jobs --

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.ServerID == "" {
		a.writeError(w, r, fmt.Errorf("server_id is required: %w", errBadRequest))
		return
	}
	requiresApproval := true
	if req.RequiresApproval != nil {
		requiresApproval = *req.RequiresApproval
	}

	job, err := a.jobs.Create(r.Context(), jobs.CreateRequest{
		ServerID:         req.ServerID,
		JobType:          store.JobType(req.JobType),
		ScheduledAt:      req.ScheduledAt,
		RequiresApproval: requiresApproval,
		CreatedBy:        principal.ID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{ServerID: q.Get("server_id")}
	if raw := q.Get("status"); raw != "" {
		status, err := jobs.ParseStatus(raw)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		filter.Status = status
	}
	limit, err := queryLimit(r, maxJobList)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	filter.Limit = limit

	list, err := a.jobs.List(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleJobResults(w http.ResponseWriter, r *http.Request) {
	results, err := a.jobs.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// -- Approvals --

func (a *API) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := a.jobs.PendingApprovals(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, a.jobs.Approve)
}

func (a *API) handleDeny(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, a.jobs.Deny)
}

// decide reads the optional reason body and applies an approval decision.
func (a *API) decide(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, jobID, userID, reason string) (*store.Job, error)) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req decisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, r, fmt.Errorf("invalid request body: %w", errBadRequest))
		return
	}

	job, err := apply(r.Context(), r.PathValue("id"), principal.ID, req.Reason)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
