package store

import (
	"context"
	"time"
)

// Store defines the methods required for a permanent storage backend.
// Every method that takes an *AuditLog writes it in the same transaction as
// the change it describes.
type Store interface {
	// Server Operations
	CreateServer(ctx context.Context, srv *Server, entry *AuditLog) error
	// ReRegisterServer overwrites token, descriptors and updated_at of an
	// existing server. last_seen is left untouched.
	ReRegisterServer(ctx context.Context, srv *Server, entry *AuditLog) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByToken(ctx context.Context, token string) (*Server, error)
	FindServerByHost(ctx context.Context, hostname, ip string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	// RotateServerToken swaps the token in one conditional write. An empty
	// oldToken skips the token check (operator rotation).
	RotateServerToken(ctx context.Context, id, oldToken, newToken string, at time.Time, entry *AuditLog) error
	TouchServer(ctx context.Context, id string, seen time.Time) error

	// Inventory Operations
	// SaveInventory appends inv with its updates and overwrites the server
	// descriptors from it. A non-nil seen also sets last_seen.
	SaveInventory(ctx context.Context, inv *Inventory, seen *time.Time, entry *AuditLog) error
	LatestInventory(ctx context.Context, serverID string) (*Inventory, error)
	// LatestInventories returns the newest inventory per server, without updates.
	LatestInventories(ctx context.Context) (map[string]*Inventory, error)

	// Job Operations
	CreateJob(ctx context.Context, job *Job, entry *AuditLog) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	// TransitionJob applies mutate only if the job is still in from.
	TransitionJob(ctx context.Context, id string, from JobStatus, mutate func(*Job), entry *AuditLog) (*Job, error)
	// QueueDueJobs moves every due APPROVED job to QUEUED.
	QueueDueJobs(ctx context.Context, now time.Time, audit AuditFunc) ([]*Job, error)
	// ClaimNextJob moves the oldest QUEUED job of a server to RUNNING.
	// It returns nil, nil when there is nothing to claim.
	ClaimNextJob(ctx context.Context, serverID string, now time.Time, audit AuditFunc) (*Job, error)
	CompleteJob(ctx context.Context, c JobCompletion) (*Job, error)
	ListJobResults(ctx context.Context, jobID string) ([]*JobResult, error)

	// Audit Operations
	AppendAudit(ctx context.Context, entry *AuditLog) error
	ListAudit(ctx context.Context, limit int) ([]*AuditLog, error)

	// User Operations
	CreateUser(ctx context.Context, u *User, entry *AuditLog) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	Close()
}
