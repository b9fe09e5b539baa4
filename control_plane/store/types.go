package store

import (
	"time"

	"github.com/itskum47/AutoPatch/protocol"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPendingApproval JobStatus = "PENDING_APPROVAL"
	JobApproved        JobStatus = "APPROVED"
	JobDenied          JobStatus = "DENIED"
	JobQueued          JobStatus = "QUEUED"
	JobRunning         JobStatus = "RUNNING"
	JobCompleted       JobStatus = "COMPLETED"
	JobFailed          JobStatus = "FAILED"
)

// JobType is the job type shared with the agent.
type JobType = protocol.JobType

const (
	JobScanNow           = protocol.JobScanNow
	JobReportOnly        = protocol.JobReportOnly
	JobApplyPatches      = protocol.JobApplyPatches
	JobApplySecurityOnly = protocol.JobApplySecurityOnly
	JobReboot            = protocol.JobReboot
)

// Server is a managed host known to the coordinator.
type Server struct {
	ID             string     `json:"id" db:"id"`
	Hostname       string     `json:"hostname" db:"hostname"`
	IP             string     `json:"ip" db:"ip"`
	OSName         string     `json:"os_name" db:"os_name"`
	OSVersion      string     `json:"os_version" db:"os_version"`
	KernelVersion  string     `json:"kernel_version" db:"kernel_version"`
	PackageManager string     `json:"package_manager" db:"package_manager"`
	LastUpdateTime *time.Time `json:"last_update_time" db:"last_update_time"`
	LastSeen       *time.Time `json:"last_seen" db:"last_seen"`
	AgentToken     string     `json:"-" db:"agent_token"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Inventory is an immutable point-in-time snapshot of a server.
type Inventory struct {
	ID                   string     `json:"id" db:"id"`
	ServerID             string     `json:"server_id" db:"server_id"`
	CollectedAt          time.Time  `json:"collected_at" db:"collected_at"`
	Hostname             string     `json:"hostname" db:"hostname"`
	IP                   string     `json:"ip" db:"ip"`
	OSName               string     `json:"os_name" db:"os_name"`
	OSVersion            string     `json:"os_version" db:"os_version"`
	KernelVersion        string     `json:"kernel_version" db:"kernel_version"`
	PackageManager       string     `json:"package_manager" db:"package_manager"`
	LastUpdateTime       *time.Time `json:"last_update_time" db:"last_update_time"`
	RebootRequired       bool       `json:"reboot_required" db:"reboot_required"`
	SecurityUpdatesCount int        `json:"security_updates_count" db:"security_updates_count"`
	UpdatesCount         int        `json:"updates_count" db:"updates_count"`
	Updates              []Update   `json:"updates"`
}

// Update is one available package update within an Inventory.
type Update struct {
	ID               string  `json:"id" db:"id"`
	InventoryID      string  `json:"-" db:"inventory_id"`
	Name             string  `json:"name" db:"name"`
	CurrentVersion   *string `json:"current_version" db:"current_version"`
	CandidateVersion *string `json:"candidate_version" db:"candidate_version"`
	IsSecurity       bool    `json:"is_security" db:"is_security"`
}

// Job is one unit of requested work for one server.
type Job struct {
	ID               string     `json:"id" db:"id"`
	ServerID         string     `json:"server_id" db:"server_id"`
	JobType          JobType    `json:"job_type" db:"job_type"`
	Status           JobStatus  `json:"status" db:"status"`
	ScheduledAt      *time.Time `json:"scheduled_at" db:"scheduled_at"`
	RequiresApproval bool       `json:"requires_approval" db:"requires_approval"`
	ApprovedBy       *string    `json:"approved_by" db:"approved_by"`
	ApprovedAt       *time.Time `json:"approved_at" db:"approved_at"`
	ApprovalReason   *string    `json:"approval_reason" db:"approval_reason"`
	CreatedBy        *string    `json:"created_by" db:"created_by"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// JobResult records one execution attempt of a Job.
type JobResult struct {
	ID         string     `json:"id" db:"id"`
	JobID      string     `json:"job_id" db:"job_id"`
	StartedAt  *time.Time `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at" db:"finished_at"`
	ExitCode   *int       `json:"exit_code" db:"exit_code"`
	Stdout     string     `json:"stdout" db:"stdout"`
	Stderr     string     `json:"stderr" db:"stderr"`
	Status     JobStatus  `json:"status" db:"status"`
}

// AuditLog is an append-only record of an action.
type AuditLog struct {
	ID         string    `json:"id" db:"id"`
	ActorType  string    `json:"actor_type" db:"actor_type"`
	ActorID    *string   `json:"actor_id" db:"actor_id"`
	Action     string    `json:"action" db:"action"`
	TargetType *string   `json:"target_type" db:"target_type"`
	TargetID   *string   `json:"target_id" db:"target_id"`
	Message    *string   `json:"message" db:"message"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// User is an operator account.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	ServerID string
	Status   JobStatus
	Limit    int
}

// JobCompletion carries everything written when an agent reports a result.
type JobCompletion struct {
	JobID     string
	ServerID  string
	Result    *JobResult
	Inventory *Inventory
	SeenAt    time.Time
	Audit     *AuditLog
}

// AuditFunc builds the audit entry for a job changed inside a store operation.
type AuditFunc func(j *Job) *AuditLog
