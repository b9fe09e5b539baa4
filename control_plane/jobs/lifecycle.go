// Package jobs implements the job approval, queue, run and result state
// machine on top of a Store.
package jobs

import (
	"errors"
	"fmt"

	"github.com/itskum47/AutoPatch/control_plane/store"
	"github.com/itskum47/AutoPatch/protocol"
)

var (
	// ErrUnknownJobType is returned for a job type outside the closed set.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrUnknownStatus is returned for a status outside the closed set.
	ErrUnknownStatus = errors.New("unknown job status")
	// ErrInvalidTransition is returned when a job is not in the state an
	// operation requires. It matches store.ErrConflict.
	ErrInvalidTransition = fmt.Errorf("%w: invalid job transition", store.ErrConflict)
)

// Types lists every job type an agent can execute.
var Types = protocol.JobTypes

// Statuses lists every job status.
var Statuses = []store.JobStatus{
	store.JobPendingApproval,
	store.JobApproved,
	store.JobDenied,
	store.JobQueued,
	store.JobRunning,
	store.JobCompleted,
	store.JobFailed,
}

var transitions = map[store.JobStatus][]store.JobStatus{
	store.JobPendingApproval: {store.JobApproved, store.JobDenied},
	store.JobApproved:        {store.JobQueued},
	store.JobQueued:          {store.JobRunning},
	store.JobRunning:         {store.JobCompleted, store.JobFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to store.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition rejects an edge missing from the transition table.
func checkTransition(from, to store.JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no further transition leaves status.
func IsTerminal(status store.JobStatus) bool {
	return len(transitions[status]) == 0
}

// ParseType validates a job type name.
func ParseType(s string) (store.JobType, error) {
	if t := store.JobType(s); t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

// ParseStatus validates a job status name.
func ParseStatus(s string) (store.JobStatus, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// ResolveStatus picks the final status of a run. An explicit COMPLETED or
// FAILED from the agent wins; otherwise exit code 0 means COMPLETED.
func ResolveStatus(exitCode *int, submitted string) store.JobStatus {
	switch store.JobStatus(submitted) {
	case store.JobCompleted, store.JobFailed:
		return store.JobStatus(submitted)
	}
	if exitCode != nil && *exitCode == 0 {
		return store.JobCompleted
	}
	return store.JobFailed
}
