package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/audit"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

// CreateRequest describes a job an operator asks for.
type CreateRequest struct {
	ServerID         string
	JobType          store.JobType
	ScheduledAt      *time.Time
	RequiresApproval bool
	CreatedBy        string
}

// Result is what an agent reports after running a job.
type Result struct {
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExitCode   *int
	Stdout     string
	Stderr     string
	Status     string
}

// Engine drives jobs through their lifecycle. Every transition is a single
// conditional store write carrying its audit entry.
type Engine struct {
	store  store.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(s store.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
		logger: observability.Component(logger, "jobs"),
	}
}

func conflictAsTransition(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return ErrInvalidTransition
	}
	return err
}

func record(status store.JobStatus) {
	observability.JobTransitions.WithLabelValues(string(status)).Inc()
}

// Create validates and stores a new job. Jobs that need approval start in
// PENDING_APPROVAL, all others in APPROVED.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*store.Job, error) {
	jobType, err := ParseType(string(req.JobType))
	if err != nil {
		return nil, err
	}
	now := e.now()
	job := &store.Job{
		ID:               uuid.NewString(),
		ServerID:         req.ServerID,
		JobType:          jobType,
		Status:           store.JobApproved,
		ScheduledAt:      req.ScheduledAt,
		RequiresApproval: req.RequiresApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.RequiresApproval {
		job.Status = store.JobPendingApproval
	}
	if req.CreatedBy != "" {
		createdBy := req.CreatedBy
		job.CreatedBy = &createdBy
	}

	entry := audit.ForJob(audit.User(req.CreatedBy), audit.ActionJobCreated, job.ID, string(job.JobType), now)
	if err := e.store.CreateJob(ctx, job, entry); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	record(job.Status)
	e.logger.Info().
		Str("job_id", job.ID).
		Str("server_id", job.ServerID).
		Str("job_type", string(job.JobType)).
		Str("status", string(job.Status)).
		Msg("job created")
	return job, nil
}

// Approve moves a pending job to APPROVED.
func (e *Engine) Approve(ctx context.Context, jobID, userID, reason string) (*store.Job, error) {
	return e.decide(ctx, jobID, userID, reason, store.JobApproved, audit.ActionJobApproved)
}

// Deny moves a pending job to DENIED.
func (e *Engine) Deny(ctx context.Context, jobID, userID, reason string) (*store.Job, error) {
	return e.decide(ctx, jobID, userID, reason, store.JobDenied, audit.ActionJobDenied)
}

func (e *Engine) decide(ctx context.Context, jobID, userID, reason string, to store.JobStatus, action string) (*store.Job, error) {
	if err := checkTransition(store.JobPendingApproval, to); err != nil {
		return nil, err
	}
	now := e.now()
	entry := audit.ForJob(audit.User(userID), action, jobID, reason, now)
	job, err := e.store.TransitionJob(ctx, jobID, store.JobPendingApproval, func(j *store.Job) {
		j.Status = to
		j.ApprovedBy = &userID
		j.ApprovedAt = &now
		if reason != "" {
			j.ApprovalReason = &reason
		}
		j.UpdatedAt = now
	}, entry)
	if err != nil {
		return nil, conflictAsTransition(err)
	}
	record(to)
	e.logger.Info().Str("job_id", jobID).Str("user_id", userID).Str("status", string(to)).Msg("job decided")
	return job, nil
}

// QueueDue promotes every APPROVED job whose scheduled time has passed and
// returns how many were promoted. Running it twice is harmless.
func (e *Engine) QueueDue(ctx context.Context, now time.Time) (int, error) {
	queued, err := e.store.QueueDueJobs(ctx, now, func(j *store.Job) *store.AuditLog {
		return audit.ForJob(audit.System(), audit.ActionJobQueued, j.ID, string(j.JobType), now)
	})
	if err != nil {
		return 0, fmt.Errorf("queue due jobs: %w", err)
	}
	for _, j := range queued {
		record(j.Status)
		e.logger.Debug().Str("job_id", j.ID).Str("server_id", j.ServerID).Msg("job queued")
	}
	return len(queued), nil
}

// ClaimNext hands the oldest QUEUED job of serverID to its agent. It returns
// nil when there is nothing to run.
func (e *Engine) ClaimNext(ctx context.Context, serverID string) (*store.Job, error) {
	now := e.now()
	job, err := e.store.ClaimNextJob(ctx, serverID, now, func(j *store.Job) *store.AuditLog {
		return audit.ForJob(audit.Agent(serverID), audit.ActionJobStarted, j.ID, string(j.JobType), now)
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	record(job.Status)
	e.logger.Info().Str("job_id", job.ID).Str("server_id", serverID).Msg("job started")
	return job, nil
}

// SubmitResult closes a RUNNING job of serverID. The result, the new status,
// the optional inventory snapshot and the audit entry are stored together.
func (e *Engine) SubmitResult(ctx context.Context, serverID, jobID string, res Result, inv *store.Inventory) (*store.Job, error) {
	now := e.now()
	status := ResolveStatus(res.ExitCode, res.Status)
	if err := checkTransition(store.JobRunning, status); err != nil {
		return nil, err
	}
	finished := res.FinishedAt
	if finished == nil {
		finished = &now
	}
	result := &store.JobResult{
		ID:         uuid.NewString(),
		JobID:      jobID,
		StartedAt:  res.StartedAt,
		FinishedAt: finished,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Status:     status,
	}
	job, err := e.store.CompleteJob(ctx, store.JobCompletion{
		JobID:     jobID,
		ServerID:  serverID,
		Result:    result,
		Inventory: inv,
		SeenAt:    now,
		Audit:     audit.ForJob(audit.Agent(serverID), audit.ActionJobResult, jobID, string(status), now),
	})
	if err != nil {
		return nil, conflictAsTransition(err)
	}
	record(status)
	e.logger.Info().Str("job_id", jobID).Str("server_id", serverID).Str("status", string(status)).Msg("job finished")
	return job, nil
}

// Get returns one job.
func (e *Engine) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// List returns jobs newest first.
func (e *Engine) List(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	return e.store.ListJobs(ctx, filter)
}

// PendingApprovals returns jobs waiting for an operator decision, newest first.
func (e *Engine) PendingApprovals(ctx context.Context) ([]*store.Job, error) {
	return e.store.ListJobs(ctx, store.JobFilter{Status: store.JobPendingApproval})
}

// Results returns the results of a job, newest first.
func (e *Engine) Results(ctx context.Context, jobID string) ([]*store.JobResult, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.store.ListJobResults(ctx, jobID)
}
