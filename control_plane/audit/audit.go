// Package audit builds the append-only entries recorded for every state
// change. Entries are written by the store in the same transaction as the
// change they describe.
package audit

import (
	"time"

	"github.com/itskum47/AutoPatch/control_plane/store"
)

// Actions.
const (
	ActionJobCreated        = "job_created"
	ActionJobApproved       = "job_approved"
	ActionJobDenied         = "job_denied"
	ActionJobQueued         = "job_queued"
	ActionJobStarted        = "job_started"
	ActionJobResult         = "job_result"
	ActionAgentRegistered   = "agent_registered"
	ActionAgentTokenRotated = "agent_token_rotated"
	ActionHeartbeat         = "heartbeat"
	ActionUserCreated       = "user_created"
)

// Actor types.
const (
	ActorUser   = "user"
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// Target types.
const (
	TargetServer = "server"
	TargetJob    = "job"
	TargetUser   = "user"
)

// Actor identifies who performed an action.
type Actor struct {
	Type string
	ID   string
}

func User(id string) Actor { return Actor{Type: ActorUser, ID: id} }
func Agent(id string) Actor { return Actor{Type: ActorAgent, ID: id} }
func System() Actor { return Actor{Type: ActorSystem} }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Entry builds an audit row. Empty target or message fields are stored as null.
func Entry(actor Actor, action, targetType, targetID, message string, at time.Time) *store.AuditLog {
	return &store.AuditLog{
		ActorType:  actor.Type,
		ActorID:    optional(actor.ID),
		Action:     action,
		TargetType: optional(targetType),
		TargetID:   optional(targetID),
		Message:    optional(message),
		CreatedAt:  at,
	}
}

// ForServer is a shorthand for entries that target a server.
func ForServer(actor Actor, action string, srv *store.Server, at time.Time) *store.AuditLog {
	return Entry(actor, action, TargetServer, srv.ID, srv.Hostname, at)
}

// ForJob is a shorthand for entries that target a job.
func ForJob(actor Actor, action string, jobID, message string, at time.Time) *store.AuditLog {
	return Entry(actor, action, TargetJob, jobID, message, at)
}
