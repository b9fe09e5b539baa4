package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/fleet"
	"github.com/itskum47/AutoPatch/control_plane/notify"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/store"
)

// Alerter delivers offline notifications.
type Alerter interface {
	Send(ctx context.Context, alert notify.Alert)
}

// OfflineMonitor raises one alert per offline episode of a server. A server
// that comes back online is cleared so its next outage alerts again.
//
// The alerted set lives in process memory. It resets on restart and is not
// shared between coordinator instances.
type OfflineMonitor struct {
	store   store.Store
	alerter Alerter
	logger  zerolog.Logger

	mu      sync.Mutex
	alerted map[string]struct{}
}

func NewOfflineMonitor(s store.Store, alerter Alerter, logger zerolog.Logger) *OfflineMonitor {
	return &OfflineMonitor{
		store:   s,
		alerter: alerter,
		logger:  observability.Component(logger, "offline_monitor"),
		alerted: make(map[string]struct{}),
	}
}

// CheckOfflineServers sweeps every server once and returns how many alerts
// were raised. Servers never seen are skipped.
func (m *OfflineMonitor) CheckOfflineServers(ctx context.Context, now time.Time) (int, error) {
	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list servers: %w", err)
	}

	var pending []*store.Server
	offline, online := 0, 0

	m.mu.Lock()
	for _, srv := range servers {
		if srv.LastSeen == nil {
			continue
		}
		if fleet.IsOffline(srv.LastSeen, now) {
			offline++
			if _, done := m.alerted[srv.ID]; !done {
				m.alerted[srv.ID] = struct{}{}
				pending = append(pending, srv)
			}
			continue
		}
		online++
		if _, was := m.alerted[srv.ID]; was {
			delete(m.alerted, srv.ID)
			m.logger.Info().Str("server_id", srv.ID).Str("hostname", srv.Hostname).Msg("server back online")
		}
	}
	m.mu.Unlock()

	observability.OfflineServers.Set(float64(offline))
	observability.ConnectedAgents.Set(float64(online))

	for _, srv := range pending {
		m.logger.Warn().Str("server_id", srv.ID).Str("hostname", srv.Hostname).Time("last_seen", *srv.LastSeen).Msg("server offline")
		m.alerter.Send(ctx, notify.ServerOffline(srv, now))
		observability.OfflineAlerts.Inc()
	}
	return len(pending), nil
}

// Alerted reports whether serverID is marked as alerted.
func (m *OfflineMonitor) Alerted(serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alerted[serverID]
	return ok
}
