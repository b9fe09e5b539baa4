package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/AutoPatch/control_plane/store"
)

func intPtr(v int) *int { return &v }

func TestResolveStatus(t *testing.T) {
	tests := []struct {
		name      string
		exitCode  *int
		submitted string
		want      store.JobStatus
	}{
		{"explicit completed wins over exit code", intPtr(1), "COMPLETED", store.JobCompleted},
		{"explicit failed wins over exit code", intPtr(0), "FAILED", store.JobFailed},
		{"zero exit code", intPtr(0), "", store.JobCompleted},
		{"nonzero exit code", intPtr(2), "", store.JobFailed},
		{"unrecognised status falls back to exit code", intPtr(0), "completed", store.JobCompleted},
		{"no exit code", nil, "", store.JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveStatus(tt.exitCode, tt.submitted))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(store.JobPendingApproval, store.JobApproved))
	assert.True(t, CanTransition(store.JobPendingApproval, store.JobDenied))
	assert.True(t, CanTransition(store.JobApproved, store.JobQueued))
	assert.True(t, CanTransition(store.JobQueued, store.JobRunning))
	assert.True(t, CanTransition(store.JobRunning, store.JobFailed))

	assert.False(t, CanTransition(store.JobDenied, store.JobApproved))
	assert.False(t, CanTransition(store.JobApproved, store.JobRunning))
	assert.False(t, CanTransition(store.JobCompleted, store.JobQueued))
}

func TestCheckTransitionFollowsTable(t *testing.T) {
	for _, from := range Statuses {
		for _, to := range Statuses {
			err := checkTransition(from, to)
			if CanTransition(from, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	var terminal []store.JobStatus
	for _, s := range Statuses {
		if IsTerminal(s) {
			terminal = append(terminal, s)
		}
	}
	assert.ElementsMatch(t, []store.JobStatus{store.JobDenied, store.JobCompleted, store.JobFailed}, terminal)
}

func TestParseType(t *testing.T) {
	for _, jt := range Types {
		got, err := ParseType(string(jt))
		require.NoError(t, err)
		assert.Equal(t, jt, got)
	}

	_, err := ParseType("FORMAT_DISK")
	assert.ErrorIs(t, err, ErrUnknownJobType)
	_, err = ParseType("")
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus("QUEUED")
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, got)

	_, err = ParseStatus("queued")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	assert.ErrorIs(t, ErrInvalidTransition, store.ErrConflict)
}
