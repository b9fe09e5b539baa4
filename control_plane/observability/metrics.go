package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobTransitions counts job state changes by the status entered.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopatch_job_transitions_total",
		Help: "Total number of job state transitions by target status",
	}, []string{"status"})

	// SchedulerLoopDuration tracks the duration of one scheduler tick.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopatch_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler tick (both sweeps)",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerSweepErrors counts failed sweeps by sweep name.
	SchedulerSweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopatch_scheduler_sweep_errors_total",
		Help: "Scheduler sweeps that returned an error",
	}, []string{"sweep"})

	// JobsQueued counts approved jobs promoted to the queue by the sweep.
	JobsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopatch_jobs_queued_total",
		Help: "Approved jobs promoted to QUEUED by the due-job sweep",
	})

	// OfflineAlerts counts offline notifications emitted.
	OfflineAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopatch_offline_alerts_total",
		Help: "Offline notifications emitted by the offline sweep",
	})

	// OfflineServers tracks servers currently past the offline threshold.
	OfflineServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopatch_offline_servers",
		Help: "Servers currently considered offline",
	})

	// ConnectedAgents tracks servers seen within the offline threshold.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopatch_connected_agents",
		Help: "Servers seen within the offline threshold",
	})

	// APIRateLimited counts agent requests rejected by the token rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopatch_api_rate_limited_total",
		Help: "Agent requests rejected by the per-token rate limiter",
	}, []string{"endpoint"})

	// NotificationFailures counts notifier delivery errors.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopatch_notification_failures_total",
		Help: "Notifications that failed to deliver",
	}, []string{"notifier"})

	// IdempotentReplays counts requests answered from the idempotency cache.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopatch_idempotent_replays_total",
		Help: "Requests answered from the idempotency cache",
	})

	// DashboardClients tracks open dashboard websocket connections.
	DashboardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopatch_dashboard_clients",
		Help: "Open dashboard websocket connections",
	})

	// LeaderStatus is 1 while this coordinator holds the scheduler lease.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopatch_scheduler_leader",
		Help: "1 if this coordinator runs the scheduler sweeps",
	})

	// LeadershipTransitions counts scheduler lease gains and losses.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopatch_leadership_transitions_total",
		Help: "Scheduler lease transitions by kind",
	}, []string{"kind"})
)
