// Package protocol holds the JSON bodies exchanged between the agent and the
// coordinator.
package protocol

import "time"

// Header names used on agent requests.
const (
	HeaderBootstrapToken = "X-BOOTSTRAP-TOKEN"
	HeaderAgentToken     = "X-AGENT-TOKEN"
)

// Agent API paths, relative to the coordinator base URL.
const (
	PathRegister    = "/api/agent/register"
	PathRotateToken = "/api/agent/rotate-token"
	PathHeartbeat   = "/api/agent/heartbeat"
	PathPoll        = "/api/agent/jobs/poll"
	PathResultFmt   = "/api/agent/jobs/%s/result"
)

// JobType names the work an agent performs for a job.
type JobType string

const (
	JobScanNow           JobType = "SCAN_NOW"
	JobReportOnly        JobType = "REPORT_ONLY"
	JobApplyPatches      JobType = "APPLY_PATCHES"
	JobApplySecurityOnly JobType = "APPLY_SECURITY_ONLY"
	JobReboot            JobType = "REBOOT"
)

// JobTypes lists every job type, in declaration order.
var JobTypes = []JobType{
	JobScanNow,
	JobReportOnly,
	JobApplyPatches,
	JobApplySecurityOnly,
	JobReboot,
}

// Valid reports whether t belongs to JobTypes.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

type RegisterRequest struct {
	Hostname       string `json:"hostname"`
	IP             string `json:"ip"`
	OSName         string `json:"os_name"`
	OSVersion      string `json:"os_version"`
	KernelVersion  string `json:"kernel_version"`
	PackageManager string `json:"package_manager"`
}

type RegisterResponse struct {
	AgentToken string `json:"agent_token"`
	ServerID   string `json:"server_id"`
}

type RotateTokenResponse struct {
	AgentToken string `json:"agent_token"`
}

// Update is one pending package update as reported by an agent.
type Update struct {
	Name             string  `json:"name"`
	CurrentVersion   *string `json:"current_version"`
	CandidateVersion *string `json:"candidate_version"`
	IsSecurity       bool    `json:"is_security"`
}

// Inventory is the snapshot an agent collects on every heartbeat and after
// every job.
type Inventory struct {
	Hostname        string     `json:"hostname"`
	IP              string     `json:"ip"`
	OSName          string     `json:"os_name"`
	OSVersion       string     `json:"os_version"`
	KernelVersion   string     `json:"kernel_version"`
	PackageManager  string     `json:"package_manager"`
	LastUpdateTime  *time.Time `json:"last_update_time"`
	RebootRequired  bool       `json:"reboot_required"`
	Updates         []Update   `json:"updates"`
	SecurityUpdates []Update   `json:"security_updates"`
}

type HeartbeatRequest struct {
	Inventory Inventory `json:"inventory"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// JobAssignment is the job handed to an agent by a poll.
type JobAssignment struct {
	ID      string  `json:"id"`
	JobType JobType `json:"job_type"`
}

// PollResponse carries a nil Job when there is nothing to run.
type PollResponse struct {
	Job *JobAssignment `json:"job"`
}

type JobResultRequest struct {
	JobID      string     `json:"job_id"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	ExitCode   *int       `json:"exit_code"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	Status     string     `json:"status"`
	Inventory  *Inventory `json:"inventory"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
