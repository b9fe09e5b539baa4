// Package inventory turns agent snapshots into stored inventories.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/AutoPatch/control_plane/audit"
	"github.com/itskum47/AutoPatch/control_plane/observability"
	"github.com/itskum47/AutoPatch/control_plane/store"
	"github.com/itskum47/AutoPatch/protocol"
)

// Build converts a snapshot into an Inventory row for serverID. Counts are
// the sizes of the supplied lists. Every entry of the security list is
// flagged as a security update.
func Build(serverID string, p protocol.Inventory, collectedAt time.Time) *store.Inventory {
	inv := &store.Inventory{
		ID:                   uuid.NewString(),
		ServerID:             serverID,
		CollectedAt:          collectedAt,
		Hostname:             p.Hostname,
		IP:                   p.IP,
		OSName:               p.OSName,
		OSVersion:            p.OSVersion,
		KernelVersion:        p.KernelVersion,
		PackageManager:       p.PackageManager,
		LastUpdateTime:       p.LastUpdateTime,
		RebootRequired:       p.RebootRequired,
		UpdatesCount:         len(p.Updates),
		SecurityUpdatesCount: len(p.SecurityUpdates),
		Updates:              make([]store.Update, 0, len(p.Updates)+len(p.SecurityUpdates)),
	}
	for _, u := range p.Updates {
		inv.Updates = append(inv.Updates, toUpdate(inv.ID, u, u.IsSecurity))
	}
	for _, u := range p.SecurityUpdates {
		inv.Updates = append(inv.Updates, toUpdate(inv.ID, u, true))
	}
	return inv
}

func toUpdate(inventoryID string, u protocol.Update, security bool) store.Update {
	return store.Update{
		ID:               uuid.NewString(),
		InventoryID:      inventoryID,
		Name:             u.Name,
		CurrentVersion:   u.CurrentVersion,
		CandidateVersion: u.CandidateVersion,
		IsSecurity:       security,
	}
}

// Service stores and reads inventories.
type Service struct {
	store  store.Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(s store.Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
		logger: observability.Component(logger, "inventory"),
	}
}

// StoreSnapshot records a heartbeat: the snapshot for srv, its last_seen and
// a heartbeat audit entry, all in one write.
func (s *Service) StoreSnapshot(ctx context.Context, srv *store.Server, p protocol.Inventory) (*store.Inventory, error) {
	now := s.now()
	inv := Build(srv.ID, p, now)
	entry := audit.Entry(audit.Agent(srv.ID), audit.ActionHeartbeat, audit.TargetServer, srv.ID, p.Hostname, now)
	if err := s.store.SaveInventory(ctx, inv, &now, entry); err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("server_id", srv.ID).
		Int("updates", inv.UpdatesCount).
		Int("security_updates", inv.SecurityUpdatesCount).
		Msg("inventory stored")
	return inv, nil
}

// Latest returns the newest inventory of a server with its updates.
func (s *Service) Latest(ctx context.Context, serverID string) (*store.Inventory, error) {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		return nil, err
	}
	return s.store.LatestInventory(ctx, serverID)
}

// Updates returns the updates of the newest inventory, or an empty list when
// the server has not reported yet.
func (s *Service) Updates(ctx context.Context, serverID string) ([]store.Update, error) {
	inv, err := s.Latest(ctx, serverID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, gerr := s.store.GetServer(ctx, serverID); gerr != nil {
			return nil, gerr
		}
		return []store.Update{}, nil
	case err != nil:
		return nil, err
	case inv.Updates == nil:
		return []store.Update{}, nil
	}
	return inv.Updates, nil
}
