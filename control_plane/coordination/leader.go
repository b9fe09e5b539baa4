package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/observability"
)

// SchedulerLeaseKey guards the periodic sweeps when several coordinators
// share one database.
const SchedulerLeaseKey = "autopatch:lock:scheduler"

const maxRenewFailures = 3

// Lease is an exclusive claim on a key that expires unless renewed by its
// owner.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// LeaderElector campaigns for a lease and reports whether this process
// currently holds it.
type LeaderElector struct {
	lease  Lease
	key    string
	owner  string
	ttl    time.Duration
	logger zerolog.Logger

	mu            sync.RWMutex
	isLeader      bool
	renewFailures int
	transitions   int64
}

func NewLeaderElector(lease Lease, key, owner string, ttl time.Duration, logger zerolog.Logger) *LeaderElector {
	return &LeaderElector{
		lease:  lease,
		key:    key,
		owner:  owner,
		ttl:    ttl,
		logger: observability.Component(logger, "leader").With().Str("owner", owner).Logger(),
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Transitions counts leadership gains and losses.
func (l *LeaderElector) Transitions() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transitions
}

// Run campaigns every ttl/3 until ctx is cancelled, backing off up to ten
// times the ttl while the lease backend errors. A held lease is released on
// exit.
func (l *LeaderElector) Run(ctx context.Context) {
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.release()
			return
		case <-timer.C:
		}

		if err := l.Step(ctx); err != nil {
			interval = min(interval*2, maxInterval)
			l.logger.Warn().Err(err).Dur("backoff", interval).Msg("lease backend error")
		} else {
			interval = minInterval
		}
		timer.Reset(interval)
	}
}

// Step makes one acquire or renew attempt. A leader steps down when the
// lease is gone or after repeated renew errors.
func (l *LeaderElector) Step(ctx context.Context) error {
	if !l.IsLeader() {
		acquired, err := l.lease.Acquire(ctx, l.key, l.owner, l.ttl)
		if err != nil {
			return err
		}
		if acquired {
			l.setLeader(true)
		}
		return nil
	}

	renewed, err := l.lease.Renew(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		l.mu.Lock()
		l.renewFailures++
		failures := l.renewFailures
		l.mu.Unlock()
		if failures >= maxRenewFailures {
			l.logger.Error().Int("failures", failures).Msg("too many renew failures")
			l.setLeader(false)
		}
		return err
	}
	if !renewed {
		l.setLeader(false)
	}
	l.mu.Lock()
	l.renewFailures = 0
	l.mu.Unlock()
	return nil
}

func (l *LeaderElector) setLeader(leader bool) {
	l.mu.Lock()
	if l.isLeader == leader {
		l.mu.Unlock()
		return
	}
	l.isLeader = leader
	l.renewFailures = 0
	l.transitions++
	l.mu.Unlock()

	if leader {
		observability.LeaderStatus.Set(1)
		observability.LeadershipTransitions.WithLabelValues("acquired").Inc()
		l.logger.Info().Msg("acquired scheduler leadership")
		return
	}
	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues("lost").Inc()
	l.logger.Warn().Msg("lost scheduler leadership")
}

// release gives the lease up on shutdown. It ignores the cancelled run
// context.
func (l *LeaderElector) release() {
	if !l.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.lease.Release(ctx, l.key, l.owner); err != nil {
		l.logger.Warn().Err(err).Msg("lease release failed")
	}
	l.setLeader(false)
}
