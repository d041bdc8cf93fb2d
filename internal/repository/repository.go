// Package repository persists UserPermission records behind a backend
// contract shared by the in-memory, relational, remote key-value, and
// dual (migration) implementations (§4.5). The Repository type adds the
// unrestricted-record caching and fallback-pointer behavior common to
// every backend so each Backend implementation only has to deal with
// its own storage mechanics.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/telemetry"
)

// Backend is the storage-specific contract a concrete repository
// implements; Repository wraps one to add the unrestricted-record
// cache (§4.5).
type Backend interface {
	// Put is an idempotent upsert of a single user's record.
	Put(ctx context.Context, up *domain.UserPermission) error
	// PutAll bulk-upserts byID and prunes any stored id absent from it
	// (except UnrestrictedUserID), along with resources no surviving
	// user references.
	PutAll(ctx context.Context, byID map[string]*domain.UserPermission) error
	// Get returns the stored record for id verbatim (no unrestricted
	// merge — Repository does that), and whether it exists.
	Get(ctx context.Context, id string) (*domain.UserPermission, bool, error)
	// GetAllByID returns every stored user verbatim.
	GetAllByID(ctx context.Context) (map[string]*domain.UserPermission, error)
	// GetAllByRoles returns every stored user whose Role-typed
	// permissions intersect anyRoles, excluding the unrestricted record
	// (Repository adds it back). nil means "all users" and delegates to
	// GetAllByID, whose result includes the unrestricted record; an
	// empty, non-nil slice means "none".
	GetAllByRoles(ctx context.Context, anyRoles []string) (map[string]*domain.UserPermission, error)
	// Remove deletes the user row and all of its permission rows.
	Remove(ctx context.Context, id string) error
	// UnrestrictedVersion returns the current version stamp for the
	// unrestricted record (its UpdatedAt, stringified), or the sentinel
	// "0" if the record does not exist yet or carries no stamp.
	UnrestrictedVersion(ctx context.Context) (string, error)
}

type cachedUnrestricted struct {
	version  string
	loadedAt time.Time
	value    *domain.UserPermission
}

// Repository is the PermissionsRepository described in §4.5.
type Repository struct {
	backend     Backend
	backendName string
	ttl         time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	cached   *cachedUnrestricted
	fallback atomic.Value // *domain.UserPermission
}

// New wraps backend with the unrestricted-record cache. ttl defaults to
// 10s when zero. backendName, derived from backend's concrete type, tags
// every span and is the one place the repository layer distinguishes
// which Backend implementation is actually doing the I/O.
func New(backend Backend, ttl time.Duration, logger *slog.Logger) *Repository {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{backend: backend, backendName: fmt.Sprintf("%T", backend), ttl: ttl, logger: logger}
}

// Put is an idempotent upsert (§4.5).
func (r *Repository) Put(ctx context.Context, up *domain.UserPermission) (err error) {
	ctx, span := r.startSpan(ctx, "repository.Put", "put")
	defer func() { telemetry.RecordError(span, err); span.End() }()
	err = r.backend.Put(ctx, up)
	return err
}

// PutAll bulk-upserts with orphan pruning (§4.5).
func (r *Repository) PutAll(ctx context.Context, byID map[string]*domain.UserPermission) (err error) {
	ctx, span := r.startSpan(ctx, "repository.PutAll", "put_all")
	defer func() { telemetry.RecordError(span, err); span.End() }()
	err = r.backend.PutAll(ctx, byID)
	return err
}

// Get returns id's record merged with the current unrestricted record,
// or the unrestricted record directly when id is the reserved
// unrestricted id (§4.5).
func (r *Repository) Get(ctx context.Context, id string) (up *domain.UserPermission, found bool, err error) {
	ctx, span := r.startSpan(ctx, "repository.Get", "get")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	if id == domain.UnrestrictedUserID {
		up, err = r.unrestricted(ctx)
		if err != nil {
			return nil, false, err
		}
		return up, true, nil
	}

	stored, ok, err := r.backend.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	unrestricted, err := r.unrestricted(ctx)
	if err != nil {
		return nil, false, err
	}
	return stored.Clone().Merge(unrestricted), true, nil
}

// GetAllByID returns every stored user merged with the unrestricted
// record (§4.5).
func (r *Repository) GetAllByID(ctx context.Context) (_ map[string]*domain.UserPermission, err error) {
	ctx, span := r.startSpan(ctx, "repository.GetAllByID", "get_all_by_id")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	byID, err := r.backend.GetAllByID(ctx)
	if err != nil {
		return nil, err
	}
	return r.mergeAll(ctx, byID)
}

// GetAllByRoles returns users whose Role-typed permissions intersect
// anyRoles, plus the unrestricted record, merged (§4.5). nil anyRoles
// means all users; an empty, non-nil anyRoles means only the
// unrestricted record.
func (r *Repository) GetAllByRoles(ctx context.Context, anyRoles []string) (_ map[string]*domain.UserPermission, err error) {
	ctx, span := r.startSpan(ctx, "repository.GetAllByRoles", "get_all_by_roles")
	defer func() { telemetry.RecordError(span, err); span.End() }()

	if anyRoles != nil && len(anyRoles) == 0 {
		unrestricted, uErr := r.unrestricted(ctx)
		if uErr != nil {
			return nil, uErr
		}
		return map[string]*domain.UserPermission{domain.UnrestrictedUserID: unrestricted}, nil
	}
	byID, err := r.backend.GetAllByRoles(ctx, anyRoles)
	if err != nil {
		return nil, err
	}
	return r.mergeAll(ctx, byID)
}

// Remove deletes id's row and permissions (§4.5).
func (r *Repository) Remove(ctx context.Context, id string) (err error) {
	ctx, span := r.startSpan(ctx, "repository.Remove", "remove")
	defer func() { telemetry.RecordError(span, err); span.End() }()
	err = r.backend.Remove(ctx, id)
	return err
}

// startSpan opens a span tagged with the backend's concrete type and op
// name, shared by every Repository method (§4.5 backend contract).
func (r *Repository) startSpan(ctx context.Context, spanName, op string) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, "authzd/repository", spanName,
		attribute.String(telemetry.AttrRepositoryBackend, r.backendName),
		attribute.String(telemetry.AttrRepositoryOp, op),
	)
}

func (r *Repository) mergeAll(ctx context.Context, byID map[string]*domain.UserPermission) (map[string]*domain.UserPermission, error) {
	unrestricted, err := r.unrestricted(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.UserPermission, len(byID)+1)
	for id, up := range byID {
		if id == domain.UnrestrictedUserID {
			continue
		}
		out[id] = up.Clone().Merge(unrestricted)
	}
	out[domain.UnrestrictedUserID] = unrestricted
	return out, nil
}

// unrestricted returns the cached unrestricted record, reloading it
// when the backend's version stamp has changed or the TTL has elapsed.
// On load failure it falls back to the last successfully loaded record,
// logging a warning, per §4.5.
func (r *Repository) unrestricted(ctx context.Context) (*domain.UserPermission, error) {
	version, err := r.backend.UnrestrictedVersion(ctx)
	if err != nil {
		if fb, ok := r.fallback.Load().(*domain.UserPermission); ok && fb != nil {
			r.logger.Warn("unrestricted version lookup failed, serving fallback", "error", err)
			return fb, nil
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.cached.version == version && time.Since(r.cached.loadedAt) < r.ttl {
		return r.cached.value, nil
	}

	up, found, err := r.backend.Get(ctx, domain.UnrestrictedUserID)
	if err != nil || !found {
		if fb, ok := r.fallback.Load().(*domain.UserPermission); ok && fb != nil {
			r.logger.Warn("unrestricted record load failed, serving fallback", "error", err)
			return fb, nil
		}
		if err != nil {
			return nil, err
		}
		return domain.NewUserPermission(domain.UnrestrictedUserID), nil
	}

	r.cached = &cachedUnrestricted{version: version, loadedAt: time.Now(), value: up}
	if version != sentinelVersion {
		r.fallback.Store(up)
	}
	return up, nil
}

const sentinelVersion = "0"

// FormatVersion stringifies an UpdatedAt stamp for Backend.UnrestrictedVersion
// implementations, mapping the zero value to the sentinel.
func FormatVersion(updatedAt int64) string {
	if updatedAt == 0 {
		return sentinelVersion
	}
	return strconv.FormatInt(updatedAt, 10)
}
