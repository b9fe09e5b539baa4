// Package notify delivers fleet alerts. Delivery is best-effort: Multi logs
// and counts failures and never returns them to the code raising the alert.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/AutoPatch/control_plane/store"
)

// Kind classifies an alert.
type Kind string

const (
	KindSecurityUpdates Kind = "security_updates"
	KindJobFailed       Kind = "job_failed"
	KindServerOffline   Kind = "server_offline"
)

// Alert is one notification about a server.
type Alert struct {
	Kind     Kind      `json:"kind"`
	ServerID string    `json:"server_id"`
	Hostname string    `json:"hostname"`
	IP       string    `json:"ip"`
	JobID    string    `json:"job_id,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Notifier delivers alerts to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

func newAlert(kind Kind, srv *store.Server, message string, at time.Time) Alert {
	return Alert{
		Kind:     kind,
		ServerID: srv.ID,
		Hostname: srv.Hostname,
		IP:       srv.IP,
		Message:  message,
		At:       at,
	}
}

// SecurityUpdates is raised by a heartbeat that reports security updates.
func SecurityUpdates(srv *store.Server, at time.Time) Alert {
	return newAlert(KindSecurityUpdates, srv, fmt.Sprintf("Security updates available on %s (%s)", srv.Hostname, srv.IP), at)
}

// JobFailed is raised when a job result resolves to FAILED.
func JobFailed(srv *store.Server, jobID string, at time.Time) Alert {
	a := newAlert(KindJobFailed, srv, fmt.Sprintf("Patch job failed on %s (%s)", srv.Hostname, srv.IP), at)
	a.JobID = jobID
	return a
}

// ServerOffline is raised once per offline episode.
func ServerOffline(srv *store.Server, at time.Time) Alert {
	return newAlert(KindServerOffline, srv, fmt.Sprintf("Server offline: %s (%s)", srv.Hostname, srv.IP), at)
}
