package repository

import (
	"context"
	"strings"
	"sync"

	"github.com/terraconstructs/authzd/internal/domain"
)

// InMemoryBackend is a Backend holding everything in a guarded map; used
// for tests and for small single-process deployments (§4.5).
type InMemoryBackend struct {
	mu    sync.RWMutex
	byID  map[string]*domain.UserPermission
	clock func() int64
}

// NewInMemoryBackend returns an empty backend. clock supplies
// UpdatedAt stamps; pass a monotonically increasing counter or wall
// clock reader.
func NewInMemoryBackend(clock func() int64) *InMemoryBackend {
	return &InMemoryBackend{byID: make(map[string]*domain.UserPermission), clock: clock}
}

func (b *InMemoryBackend) Put(ctx context.Context, up *domain.UserPermission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stamped := up.Clone()
	stamped.UpdatedAt = b.clock()
	b.byID[up.ID] = stamped
	return nil
}

func (b *InMemoryBackend) PutAll(ctx context.Context, byID map[string]*domain.UserPermission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make(map[string]*domain.UserPermission, len(byID))
	now := b.clock()
	for id, up := range byID {
		stamped := up.Clone()
		stamped.UpdatedAt = now
		next[id] = stamped
	}
	// Orphan pruning: the unrestricted record survives regardless of
	// whether the caller included it in this batch.
	if existing, ok := b.byID[domain.UnrestrictedUserID]; ok {
		if _, inBatch := next[domain.UnrestrictedUserID]; !inBatch {
			next[domain.UnrestrictedUserID] = existing
		}
	}
	b.byID = next
	return nil
}

func (b *InMemoryBackend) Get(ctx context.Context, id string) (*domain.UserPermission, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	up, ok := b.byID[id]
	if !ok {
		return nil, false, nil
	}
	return up.Clone(), true, nil
}

func (b *InMemoryBackend) GetAllByID(ctx context.Context) (map[string]*domain.UserPermission, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*domain.UserPermission, len(b.byID))
	for id, up := range b.byID {
		out[id] = up.Clone()
	}
	return out, nil
}

func (b *InMemoryBackend) GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*domain.UserPermission, error) {
	if anyRoles == nil {
		return b.GetAllByID(ctx)
	}
	members := make(map[string]struct{}, len(anyRoles))
	for _, r := range anyRoles {
		members[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*domain.UserPermission)
	for id, up := range b.byID {
		if id == domain.UnrestrictedUserID {
			continue
		}
		for roleName := range up.Roles {
			if _, ok := members[roleName]; ok {
				out[id] = up.Clone()
				break
			}
		}
	}
	return out, nil
}

func (b *InMemoryBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byID, id)
	return nil
}

func (b *InMemoryBackend) UnrestrictedVersion(ctx context.Context) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	up, ok := b.byID[domain.UnrestrictedUserID]
	if !ok {
		return FormatVersion(0), nil
	}
	return FormatVersion(up.UpdatedAt), nil
}
