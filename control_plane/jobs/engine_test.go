package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/AutoPatch/control_plane/audit"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	server *store.Server
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := &store.Server{
		Hostname:   "db-01",
		IP:         "10.0.0.9",
		AgentToken: "token-db-01",
		LastSeen:   &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateServer(context.Background(), srv, nil))

	e := NewEngine(s, zerolog.Nop())
	f := &fixture{engine: e, store: s, server: srv, now: now}
	e.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) create(t *testing.T, approval bool, scheduledAt *time.Time) *store.Job {
	t.Helper()
	job, err := f.engine.Create(context.Background(), CreateRequest{
		ServerID:         f.server.ID,
		JobType:          store.JobApplyPatches,
		ScheduledAt:      scheduledAt,
		RequiresApproval: approval,
		CreatedBy:        "user-1",
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) status(t *testing.T, id string) store.JobStatus {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

func actions(t *testing.T, s *store.MemoryStore) []string {
	t.Helper()
	entries, err := s.ListAudit(context.Background(), 0)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.Action
	}
	return out
}

func TestCreateInitialStatus(t *testing.T) {
	f := newFixture(t)

	pending := f.create(t, true, nil)
	assert.Equal(t, store.JobPendingApproval, pending.Status)

	approved := f.create(t, false, nil)
	assert.Equal(t, store.JobApproved, approved.Status)
	require.NotNil(t, approved.CreatedBy)
	assert.Equal(t, "user-1", *approved.CreatedBy)

	assert.Equal(t, []string{audit.ActionJobCreated, audit.ActionJobCreated}, actions(t, f.store))
}

func TestCreateRejectsUnknownTypeAndServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Create(ctx, CreateRequest{ServerID: f.server.ID, JobType: "WIPE"})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	_, err = f.engine.Create(ctx, CreateRequest{ServerID: "missing", JobType: store.JobReboot})
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Empty(t, actions(t, f.store))
}

func TestApproveAndDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, true, nil)
	approved, err := f.engine.Approve(ctx, a.ID, "user-2", "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, store.JobApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "user-2", *approved.ApprovedBy)
	require.NotNil(t, approved.ApprovalReason)
	assert.Equal(t, "maintenance window", *approved.ApprovalReason)
	assert.Equal(t, f.now, *approved.ApprovedAt)

	d := f.create(t, true, nil)
	denied, err := f.engine.Deny(ctx, d.ID, "user-2", "")
	require.NoError(t, err)
	assert.Equal(t, store.JobDenied, denied.Status)
	assert.Nil(t, denied.ApprovalReason)

	entries, _ := f.store.ListAudit(ctx, 1)
	assert.Equal(t, audit.ActionJobDenied, entries[0].Action)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, "user-2", *entries[0].ActorID)
}

func TestDecisionOutsidePendingIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.create(t, true, nil)
	_, err := f.engine.Deny(ctx, j.ID, "user-2", "no")
	require.NoError(t, err)

	before := len(actions(t, f.store))
	_, err = f.engine.Approve(ctx, j.ID, "user-2", "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, store.JobDenied, f.status(t, j.ID))
	assert.Len(t, actions(t, f.store), before)

	_, err = f.engine.Approve(ctx, "missing", "user-2", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecisionOffTableIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.create(t, true, nil)
	before := len(actions(t, f.store))
	_, err := f.engine.decide(ctx, j.ID, "user-2", "", store.JobQueued, audit.ActionJobApproved)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, store.JobPendingApproval, f.status(t, j.ID))
	assert.Len(t, actions(t, f.store), before)
}

func TestQueueDueScenarios(t *testing.T) {
	tests := []struct {
		name       string
		offset     time.Duration
		wantCount  int
		wantStatus store.JobStatus
	}{
		{"scheduled in the past", -time.Minute, 1, store.JobQueued},
		{"scheduled in the future", 10 * time.Minute, 0, store.JobApproved},
		{"scheduled exactly now", 0, 1, store.JobQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			at := f.now.Add(tt.offset)
			j := f.create(t, false, &at)

			n, err := f.engine.QueueDue(context.Background(), f.now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, n)
			assert.Equal(t, tt.wantStatus, f.status(t, j.ID))
		})
	}
}

func TestQueueDueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, false, nil)
	f.create(t, false, nil)
	pending := f.create(t, true, nil)

	n, err := f.engine.QueueDue(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.engine.QueueDue(ctx, f.now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, store.JobPendingApproval, f.status(t, pending.ID))

	entries, _ := f.store.ListAudit(ctx, 1)
	assert.Equal(t, audit.ActionJobQueued, entries[0].Action)
	assert.Equal(t, audit.ActorSystem, entries[0].ActorType)
}

func TestClaimNextOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, false, nil)
	f.now = f.now.Add(time.Second)
	second := f.create(t, false, nil)
	_, err := f.engine.QueueDue(ctx, f.now)
	require.NoError(t, err)

	got, err := f.engine.ClaimNext(ctx, f.server.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, store.JobRunning, got.Status)

	got, err = f.engine.ClaimNext(ctx, f.server.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	got, err = f.engine.ClaimNext(ctx, f.server.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimNextIgnoresOtherServers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, false, nil)
	_, err := f.engine.QueueDue(ctx, f.now)
	require.NoError(t, err)

	got, err := f.engine.ClaimNext(ctx, "another-server")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, false, nil)
	_, err := f.engine.QueueDue(ctx, f.now)
	require.NoError(t, err)

	const pollers = 2
	var wg sync.WaitGroup
	results := make(chan *store.Job, pollers)
	start := make(chan struct{})
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			j, err := f.engine.ClaimNext(ctx, f.server.ID)
			assert.NoError(t, err)
			results <- j
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var claimed, empty int
	for j := range results {
		if j == nil {
			empty++
		} else {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 1, empty)
}

func TestSubmitResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.create(t, false, nil)
	_, err := f.engine.QueueDue(ctx, f.now)
	require.NoError(t, err)
	_, err = f.engine.ClaimNext(ctx, f.server.ID)
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	done, err := f.engine.SubmitResult(ctx, f.server.ID, j.ID, Result{
		ExitCode: intPtr(1),
		Stdout:   "apt-get upgrade",
		Stderr:   "dpkg lock held",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, done.Status)

	results, err := f.engine.Results(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.JobFailed, results[0].Status)
	assert.Equal(t, "dpkg lock held", results[0].Stderr)
	require.NotNil(t, results[0].FinishedAt)
	assert.Equal(t, f.now, *results[0].FinishedAt)

	srv, err := f.store.GetServer(ctx, f.server.ID)
	require.NoError(t, err)
	assert.Equal(t, f.now, *srv.LastSeen)

	assert.Equal(t, []string{
		audit.ActionJobCreated,
		audit.ActionJobQueued,
		audit.ActionJobStarted,
		audit.ActionJobResult,
	}, actions(t, f.store))
}

func TestSubmitResultWithInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.create(t, false, nil)
	_, _ = f.engine.QueueDue(ctx, f.now)
	_, _ = f.engine.ClaimNext(ctx, f.server.ID)

	inv := &store.Inventory{
		ServerID:       f.server.ID,
		CollectedAt:    f.now,
		Hostname:       "db-01",
		IP:             "10.0.0.9",
		OSName:         "Debian",
		PackageManager: "apt",
	}
	_, err := f.engine.SubmitResult(ctx, f.server.ID, j.ID, Result{ExitCode: intPtr(0)}, inv)
	require.NoError(t, err)

	latest, err := f.store.LatestInventory(ctx, f.server.ID)
	require.NoError(t, err)
	assert.Equal(t, "Debian", latest.OSName)
	assert.Equal(t, store.JobCompleted, f.status(t, j.ID))
}

func TestSubmitResultGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.create(t, false, nil)

	_, err := f.engine.SubmitResult(ctx, f.server.ID, j.ID, Result{ExitCode: intPtr(0)}, nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, _ = f.engine.QueueDue(ctx, f.now)
	_, _ = f.engine.ClaimNext(ctx, f.server.ID)

	_, err = f.engine.SubmitResult(ctx, "other-server", j.ID, Result{ExitCode: intPtr(0)}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.engine.SubmitResult(ctx, f.server.ID, "missing", Result{ExitCode: intPtr(0)}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.engine.SubmitResult(ctx, f.server.ID, j.ID, Result{ExitCode: intPtr(0)}, nil)
	require.NoError(t, err)
	_, err = f.engine.SubmitResult(ctx, f.server.ID, j.ID, Result{ExitCode: intPtr(0)}, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := f.create(t, true, nil)
	f.now = f.now.Add(time.Second)
	newer := f.create(t, true, nil)
	f.now = f.now.Add(time.Second)
	f.create(t, false, nil)

	pending, err := f.engine.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, newer.ID, pending[0].ID)
	assert.Equal(t, older.ID, pending[1].ID)

	all, err := f.engine.List(ctx, store.JobFilter{ServerID: f.server.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.engine.Results(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
