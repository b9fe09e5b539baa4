package main

import (
	"context"
	"sort"
	"time"

	"github.com/itskum47/AutoPatch/control_plane/fleet"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

// ServerView is a server with its computed status and the counts from its
// newest inventory.
type ServerView struct {
	*store.Server
	Status               fleet.Status `json:"status"`
	UpdatesCount         int          `json:"updates_count"`
	SecurityUpdatesCount int          `json:"security_updates_count"`
	RebootRequired       bool         `json:"reboot_required"`
}

// DashboardSummary is the fleet overview served to the dashboard and pushed
// over the stream.
type DashboardSummary struct {
	TotalServers     int                     `json:"total_servers"`
	ServersByStatus  map[fleet.Status]int    `json:"servers_by_status"`
	JobsByStatus     map[store.JobStatus]int `json:"jobs_by_status"`
	PendingApprovals int                     `json:"pending_approvals"`
	SecurityUpdates  int                     `json:"security_updates"`
	Timestamp        int64                   `json:"timestamp"`
}

// DashboardService aggregates store data into fleet views.
type DashboardService struct {
	store store.Store
}

func NewDashboardService(s store.Store) *DashboardService {
	return &DashboardService{store: s}
}

// Servers lists every server with its status as of now, ordered by hostname.
func (s *DashboardService) Servers(ctx context.Context, now time.Time) ([]ServerView, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestInventories(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]ServerView, 0, len(servers))
	for _, srv := range servers {
		v := ServerView{Server: srv}
		if inv, ok := latest[srv.ID]; ok {
			v.UpdatesCount = inv.UpdatesCount
			v.SecurityUpdatesCount = inv.SecurityUpdatesCount
			v.RebootRequired = inv.RebootRequired
		}
		v.Status = fleet.Evaluate(srv.LastSeen, v.UpdatesCount, v.SecurityUpdatesCount, v.RebootRequired, now)
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Hostname < views[j].Hostname })
	return views, nil
}

// Summary collects the fleet overview as of now.
func (s *DashboardService) Summary(ctx context.Context, now time.Time) (DashboardSummary, error) {
	servers, err := s.Servers(ctx, now)
	if err != nil {
		return DashboardSummary{}, err
	}
	jobList, err := s.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return DashboardSummary{}, err
	}

	summary := DashboardSummary{
		TotalServers:    len(servers),
		ServersByStatus: make(map[fleet.Status]int, len(fleet.AllStatuses)),
		JobsByStatus:    make(map[store.JobStatus]int),
		Timestamp:       now.Unix(),
	}
	for _, st := range fleet.AllStatuses {
		summary.ServersByStatus[st] = 0
	}
	for _, v := range servers {
		summary.ServersByStatus[v.Status]++
		summary.SecurityUpdates += v.SecurityUpdatesCount
	}
	for _, j := range jobList {
		summary.JobsByStatus[j.Status]++
	}
	summary.PendingApprovals = summary.JobsByStatus[store.JobPendingApproval]
	return summary, nil
}
