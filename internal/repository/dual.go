package repository

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/terraconstructs/authzd/internal/domain"
)

// DualBackend writes to both a primary and a previous backend during a
// migration window, and reads from primary, falling back to previous
// for ids primary does not (yet) know about (§4.5c). It is itself a
// Backend, so it can be wrapped by the same Repository cache decorator
// as any single-backend deployment.
type DualBackend struct {
	primary  Backend
	previous Backend
	logger   *slog.Logger

	// fallbackReads counts Get calls that missed on primary and were
	// served from previous — an operator-facing signal of how much of
	// the fleet still isn't backfilled (§4.5c).
	fallbackReads atomic.Int64
}

func NewDualBackend(primary, previous Backend, logger *slog.Logger) *DualBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualBackend{primary: primary, previous: previous, logger: logger}
}

// Put writes to primary first; a previous-backend failure is logged,
// not propagated, so migration write-through never blocks primary
// availability.
func (d *DualBackend) Put(ctx context.Context, up *domain.UserPermission) error {
	if err := d.primary.Put(ctx, up); err != nil {
		return err
	}
	if err := d.previous.Put(ctx, up); err != nil {
		d.logger.Warn("dual-write to previous backend failed", "user", up.ID, "error", err)
	}
	return nil
}

func (d *DualBackend) PutAll(ctx context.Context, byID map[string]*domain.UserPermission) error {
	if err := d.primary.PutAll(ctx, byID); err != nil {
		return err
	}
	if err := d.previous.PutAll(ctx, byID); err != nil {
		d.logger.Warn("dual-write putAll to previous backend failed", "error", err)
	}
	return nil
}

// Get reads primary first; a miss falls through to previous so reads
// stay correct while primary is still being backfilled.
func (d *DualBackend) Get(ctx context.Context, id string) (*domain.UserPermission, bool, error) {
	up, found, err := d.primary.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if found {
		return up, true, nil
	}
	d.fallbackReads.Add(1)
	return d.previous.Get(ctx, id)
}

// FallbackReads returns the running count of Get calls served from the
// previous backend because primary had no record yet. Exposed for
// telemetry/operator dashboards tracking migration-window progress.
func (d *DualBackend) FallbackReads() int64 {
	return d.fallbackReads.Load()
}

// GetAllByID unions both backends, primary entries winning on id
// collision.
func (d *DualBackend) GetAllByID(ctx context.Context) (map[string]*domain.UserPermission, error) {
	primaryAll, err := d.primary.GetAllByID(ctx)
	if err != nil {
		return nil, err
	}
	previousAll, err := d.previous.GetAllByID(ctx)
	if err != nil {
		d.logger.Warn("previous backend getAllByID failed, serving primary only", "error", err)
		return primaryAll, nil
	}
	out := make(map[string]*domain.UserPermission, len(primaryAll)+len(previousAll))
	for id, up := range previousAll {
		out[id] = up
	}
	for id, up := range primaryAll {
		out[id] = up
	}
	return out, nil
}

func (d *DualBackend) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*domain.UserPermission, error) {
	primaryAll, err := d.primary.GetAllByRoles(ctx, anyRoles)
	if err != nil {
		return nil, err
	}
	previousAll, err := d.previous.GetAllByRoles(ctx, anyRoles)
	if err != nil {
		d.logger.Warn("previous backend getAllByRoles failed, serving primary only", "error", err)
		return primaryAll, nil
	}
	out := make(map[string]*domain.UserPermission, len(primaryAll)+len(previousAll))
	for id, up := range previousAll {
		out[id] = up
	}
	for id, up := range primaryAll {
		out[id] = up
	}
	return out, nil
}

// Remove deletes from both backends; a previous-backend failure is
// logged, not propagated.
func (d *DualBackend) Remove(ctx context.Context, id string) error {
	if err := d.primary.Remove(ctx, id); err != nil {
		return err
	}
	if err := d.previous.Remove(ctx, id); err != nil {
		d.logger.Warn("dual-remove from previous backend failed", "user", id, "error", err)
	}
	return nil
}

// UnrestrictedVersion defers to primary; the Repository cache decorator
// only ever consults one backend's version stamp.
func (d *DualBackend) UnrestrictedVersion(ctx context.Context) (string, error) {
	return d.primary.UnrestrictedVersion(ctx)
}
