// Package syncer implements the UserRolesSyncer (§4.6): a single-instance
// periodic task, guarded by a distributed lock, that refreshes every
// known user's effective permissions and writes them to the
// repository.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/lock"
	"github.com/terraconstructs/authzd/internal/resolver"
	"github.com/terraconstructs/authzd/internal/resourceloader"
	"github.com/terraconstructs/authzd/internal/telemetry"
)

// Repository is the subset of repository.Repository the syncer writes
// through.
type Repository interface {
	GetAllByID(ctx context.Context) (map[string]*domain.UserPermission, error)
	Put(ctx context.Context, up *domain.UserPermission) error
	PutAll(ctx context.Context, byID map[string]*domain.UserPermission) error
}

// Resolver is the subset of resolver.Resolver the syncer depends on.
type Resolver interface {
	ResolveUnrestricted(ctx context.Context) (*domain.UserPermission, error)
	ResolveBatch(ctx context.Context, users []resolver.ExternalUser) (*resolver.BatchResult, error)
}

// HealthGated is implemented by every resource provider the syncer
// gates a tick on (§4.6 step 2).
type HealthGated interface {
	Health() *resourceloader.HealthTracker
}

// ServiceAccountSource enumerates the current service accounts and their
// MemberOf role lists, so the syncer's working set includes service
// accounts that have never authenticated and therefore have no
// repository row yet, with roles sourced from MemberOf rather than the
// identity provider (§4.4 "Service accounts as users", §4.6 step 3).
type ServiceAccountSource interface {
	ServiceAccounts(ctx context.Context) (map[string][]string, error)
}

// Config configures the lock name and tick cadence (§4.6, §10).
type Config struct {
	LockName        string
	MaxLockDuration time.Duration
	SuccessInterval time.Duration
	FailureInterval time.Duration
	RetryInterval   time.Duration
	// SafetyMargin is subtracted from MaxLockDuration to derive the
	// per-tick wall-clock timeout, leaving room to release the lock
	// cleanly before it would otherwise expire.
	SafetyMargin time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockName:        "authzd-user-roles-sync",
		MaxLockDuration: 5 * time.Minute,
		SuccessInterval: time.Minute,
		FailureInterval: 15 * time.Second,
		RetryInterval:   2 * time.Second,
		SafetyMargin:    30 * time.Second,
	}
}

// Syncer runs UserRolesSyncer ticks on a scheduler, guarded by lock.Lock
// and gated by in-service/write-mode flags (§4.6).
type Syncer struct {
	lock       lock.Lock
	resolver   Resolver
	repository Repository
	healthy    []HealthGated
	serviceAcc ServiceAccountSource
	cfg        Config
	logger     *slog.Logger
	metrics    *telemetry.SyncMetrics

	inService atomic.Bool
	writeMode atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(l lock.Lock, rslv Resolver, repo Repository, healthy []HealthGated, sa ServiceAccountSource, cfg Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		lock:       l,
		resolver:   rslv,
		repository: repo,
		healthy:    healthy,
		serviceAcc: sa,
		cfg:        cfg,
		logger:     logger.With("component", "syncer"),
	}
}

// SetMetrics wires the tick-attempt instruments recorded by Tick. A nil
// Syncer.metrics (the zero-value default) disables recording.
func (s *Syncer) SetMetrics(m *telemetry.SyncMetrics) {
	s.metrics = m
}

// SetInService toggles the process's "in service" deployment status;
// ticks are no-ops while false (§4.6 service-lifecycle).
func (s *Syncer) SetInService(inService bool) { s.inService.Store(inService) }

// SetWriteModeEnabled toggles the write-mode flag; a readers-only
// deployment leaves this false so the scheduled task never runs (§4.6).
func (s *Syncer) SetWriteModeEnabled(enabled bool) { s.writeMode.Store(enabled) }

// Start launches the periodic tick loop. The interval after each tick
// is SuccessInterval when Tick returns nil (which includes a tick skipped
// because the syncer is disabled or the lock is held elsewhere) and
// FailureInterval when it returns an error.
func (s *Syncer) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		interval := s.cfg.FailureInterval
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-timer.C:
				if err := s.Tick(ctx); err != nil {
					s.logger.Warn("sync tick failed", "error", err)
					interval = s.cfg.FailureInterval
				} else {
					interval = s.cfg.SuccessInterval
				}
				timer.Reset(interval)
			}
		}
	}()
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish.
func (s *Syncer) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

// Tick runs exactly one UserRolesSyncer pass (§4.6). A nil return
// covers both "did nothing because disabled or lock unavailable" and
// "ran successfully", matching the loader's "swallow, log, retain last
// good" propagation policy for anything below tick granularity.
func (s *Syncer) Tick(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "authzd/syncer", "syncer.Tick",
		attribute.String(telemetry.AttrSyncLockName, s.cfg.LockName),
	)
	start := time.Now()
	usersSynced := 0
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		if s.metrics != nil {
			s.metrics.RecordTick(ctx, err == nil, float64(time.Since(start).Milliseconds()), usersSynced)
		}
	}()

	if !s.inService.Load() || !s.writeMode.Load() {
		return nil
	}

	token, acquired, err := s.lock.TryAcquire(ctx, s.cfg.LockName, s.cfg.MaxLockDuration)
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Debug("sync lock held elsewhere, skipping tick")
		telemetry.AddEvent(span, "sync.lock_contended")
		if s.metrics != nil {
			s.metrics.LockContended.Add(ctx, 1)
		}
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(context.Background(), s.cfg.LockName, token); relErr != nil {
			s.logger.Warn("failed to release sync lock", "error", relErr)
		}
	}()

	timeout := s.cfg.MaxLockDuration - s.cfg.SafetyMargin
	if timeout <= 0 {
		timeout = s.cfg.MaxLockDuration
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, h := range s.healthy {
		if !h.Health().IsHealthy() {
			s.logger.Warn("resource provider unhealthy, syncing from cached snapshot")
		}
	}

	err = s.retry(tickCtx, func() error {
		n, tickErr := s.runTick(tickCtx)
		usersSynced = n
		return tickErr
	})
	span.SetAttributes(attribute.Int(telemetry.AttrSyncUserCount, usersSynced))
	return err
}

func (s *Syncer) runTick(ctx context.Context) (int, error) {
	workingSet, err := s.buildWorkingSet(ctx)
	if err != nil {
		return 0, err
	}

	unrestricted, err := s.resolver.ResolveUnrestricted(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.repository.Put(ctx, unrestricted); err != nil {
		return 0, err
	}

	users := make([]resolver.ExternalUser, 0, len(workingSet))
	for _, u := range workingSet {
		users = append(users, u)
	}

	result, err := s.resolver.ResolveBatch(ctx, users)
	if err != nil {
		return 0, err
	}
	for id, resolveErr := range result.Errors {
		s.logger.Warn("sync failed to resolve user, leaving prior record in place", "user", id, "error", resolveErr)
	}
	if len(result.Permissions) == 0 {
		return 0, nil
	}
	if err := s.repository.PutAll(ctx, result.Permissions); err != nil {
		return 0, err
	}
	return len(result.Permissions), nil
}

// buildWorkingSet enumerates existing repository users and current
// service accounts, carrying forward each ordinary user's EXTERNAL-
// sourced roles so a sync never drops roles a caller supplied out of
// band (§4.6 step 3, 5). Service accounts are seeded (or re-seeded) from
// their MemberOf list and flagged so the resolver never consults the
// identity provider for them (§4.4 "Service accounts as users").
func (s *Syncer) buildWorkingSet(ctx context.Context) (map[string]resolver.ExternalUser, error) {
	out := make(map[string]resolver.ExternalUser)

	existing, err := s.repository.GetAllByID(ctx)
	if err != nil {
		return nil, err
	}
	for id, up := range existing {
		if id == domain.UnrestrictedUserID {
			continue
		}
		out[id] = resolver.ExternalUser{ID: id, ExternalRoles: externalRolesOf(up)}
	}

	if s.serviceAcc != nil {
		accounts, err := s.serviceAcc.ServiceAccounts(ctx)
		if err != nil {
			return nil, err
		}
		for name, memberOf := range accounts {
			roles := make([]domain.Role, 0, len(memberOf))
			for _, r := range memberOf {
				roles = append(roles, domain.Role{Name: r})
			}
			out[name] = resolver.ExternalUser{ID: name, ExternalRoles: roles, SkipIdentityProvider: true}
		}
	}

	return out, nil
}

func externalRolesOf(up *domain.UserPermission) []domain.Role {
	var out []domain.Role
	for _, role := range up.Roles {
		if role.Source == domain.RoleSourceExternal {
			out = append(out, role)
		}
	}
	return out
}

// retry applies a fixed-interval backoff bounded by
// maxAttempts ≈ floor(timeout/interval)+1 to ProviderError/
// PermissionResolutionError failures within one tick (§4.6 step 6).
// Any other error is returned immediately without retry.
func (s *Syncer) retry(ctx context.Context, op func() error) error {
	deadline, ok := ctx.Deadline()
	maxAttempts := uint64(5)
	if ok && s.cfg.RetryInterval > 0 {
		if remaining := time.Until(deadline); remaining > 0 {
			maxAttempts = uint64(remaining/s.cfg.RetryInterval) + 1
		}
	}

	cb := backoff.NewConstantBackOff(s.cfg.RetryInterval)
	bo := backoff.WithContext(backoff.WithMaxRetries(cb, maxAttempts), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func isRetryable(err error) bool {
	var provErr *domain.ProviderError
	var resolveErr *domain.PermissionResolutionError
	return errors.As(err, &provErr) || errors.As(err, &resolveErr)
}
