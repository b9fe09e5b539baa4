// Package scheduler runs the periodic fleet sweeps.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/observability"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 30 * time.Second

// DueJobQueuer promotes due APPROVED jobs to QUEUED.
type DueJobQueuer interface {
	QueueDue(ctx context.Context, now time.Time) (int, error)
}

// OfflineChecker raises alerts for servers that stopped reporting.
type OfflineChecker interface {
	CheckOfflineServers(ctx context.Context, now time.Time) (int, error)
}

// Leadership reports whether this process should run the sweeps.
type Leadership interface {
	IsLeader() bool
}

// TickReport summarises one tick.
type TickReport struct {
	Queued       int
	OfflineAlert int
	Errors       []error
}

// Loop runs both sweeps on a ticker. Ticks run one at a time on a single
// goroutine, so a slow tick delays the next one instead of overlapping it.
type Loop struct {
	jobs     DueJobQueuer
	offline  OfflineChecker
	interval time.Duration
	leader   Leadership
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewLoop(jobs DueJobQueuer, offline OfflineChecker, interval time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		jobs:     jobs,
		offline:  offline,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   observability.Component(logger, "scheduler"),
	}
}

// RequireLeader makes scheduled ticks run only while leader reports
// leadership. Call it before Start.
func (l *Loop) RequireLeader(leader Leadership) {
	l.leader = leader
}

// Start launches the loop. It stops when ctx is cancelled; Wait blocks until
// it has.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Wait blocks until a started loop has exited.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Dur("interval", l.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			if l.leader != nil && !l.leader.IsLeader() {
				l.logger.Debug().Msg("not leader; skipping tick")
				continue
			}
			l.Tick(ctx)
		}
	}
}

// Tick runs both sweeps once. A failing sweep is logged and counted and does
// not stop the other.
func (l *Loop) Tick(ctx context.Context) TickReport {
	start := time.Now()
	defer func() {
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}()

	now := l.now()
	var report TickReport

	queued, err := l.jobs.QueueDue(ctx, now)
	if err != nil {
		observability.SchedulerSweepErrors.WithLabelValues("queue_due_jobs").Inc()
		l.logger.Error().Err(err).Msg("due job sweep failed")
		report.Errors = append(report.Errors, err)
	} else {
		report.Queued = queued
		observability.JobsQueued.Add(float64(queued))
		if queued > 0 {
			l.logger.Info().Int("queued", queued).Msg("due jobs queued")
		}
	}

	alerts, err := l.offline.CheckOfflineServers(ctx, now)
	if err != nil {
		observability.SchedulerSweepErrors.WithLabelValues("check_offline_servers").Inc()
		l.logger.Error().Err(err).Msg("offline sweep failed")
		report.Errors = append(report.Errors, err)
	} else {
		report.OfflineAlert = alerts
	}
	return report
}
