package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/repository"
	"github.com/terraconstructs/authzd/internal/resolver"
)

type fakeLock struct {
	acquireOK bool
	acquired  int
	released  int
}

func (f *fakeLock) TryAcquire(ctx context.Context, name string, maxDuration time.Duration) (string, bool, error) {
	f.acquired++
	if !f.acquireOK {
		return "", false, nil
	}
	return "token", true, nil
}

func (f *fakeLock) Release(ctx context.Context, name, token string) error {
	f.released++
	return nil
}

type fakeResolver struct {
	unrestricted *domain.UserPermission
	batch        *resolver.BatchResult
}

func (f *fakeResolver) ResolveUnrestricted(ctx context.Context) (*domain.UserPermission, error) {
	return f.unrestricted, nil
}

func (f *fakeResolver) ResolveBatch(ctx context.Context, users []resolver.ExternalUser) (*resolver.BatchResult, error) {
	return f.batch, nil
}

func newClockSeq() func() int64 {
	var n int64
	return func() int64 { n++; return n }
}

func TestSyncer_SkipsTickWhenDisabled(t *testing.T) {
	l := &fakeLock{acquireOK: true}
	repo := repository.New(repository.NewInMemoryBackend(newClockSeq()), time.Second, nil)
	rslv := &fakeResolver{unrestricted: domain.NewUserPermission(domain.UnrestrictedUserID)}

	s := New(l, rslv, repo, nil, nil, DefaultConfig(), nil)
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 0, l.acquired, "a disabled syncer must never attempt to take the lock")
}

func TestSyncer_SkipsTickWhenLockHeldElsewhere(t *testing.T) {
	l := &fakeLock{acquireOK: false}
	repo := repository.New(repository.NewInMemoryBackend(newClockSeq()), time.Second, nil)
	rslv := &fakeResolver{unrestricted: domain.NewUserPermission(domain.UnrestrictedUserID)}

	s := New(l, rslv, repo, nil, nil, DefaultConfig(), nil)
	s.SetInService(true)
	s.SetWriteModeEnabled(true)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 0, l.released, "release must not be called when acquire failed")
}

func TestSyncer_TickPutsUnrestrictedAndBatch(t *testing.T) {
	l := &fakeLock{acquireOK: true}
	backend := repository.NewInMemoryBackend(newClockSeq())
	repo := repository.New(backend, time.Second, nil)

	alice := domain.NewUserPermission("alice")
	alice.Roles["team-a"] = domain.Role{Name: "team-a", Source: domain.RoleSourceExternal}
	require.NoError(t, backend.Put(context.Background(), alice))

	unrestricted := domain.NewUserPermission(domain.UnrestrictedUserID)
	rslv := &fakeResolver{
		unrestricted: unrestricted,
		batch: &resolver.BatchResult{
			Permissions: map[string]*domain.UserPermission{"alice": domain.NewUserPermission("alice")},
			Errors:      map[string]error{},
		},
	}

	s := New(l, rslv, repo, nil, nil, DefaultConfig(), nil)
	s.SetInService(true)
	s.SetWriteModeEnabled(true)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, l.acquired)
	assert.Equal(t, 1, l.released)

	_, found, err := backend.Get(context.Background(), domain.UnrestrictedUserID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSyncer_BuildWorkingSetCarriesExternalRolesAndServiceAccounts(t *testing.T) {
	l := &fakeLock{acquireOK: true}
	backend := repository.NewInMemoryBackend(newClockSeq())
	repo := repository.New(backend, time.Second, nil)

	alice := domain.NewUserPermission("alice")
	alice.Roles["team-a"] = domain.Role{Name: "team-a", Source: domain.RoleSourceExternal}
	alice.Roles["team-b"] = domain.Role{Name: "team-b"}
	require.NoError(t, backend.Put(context.Background(), alice))

	sa := serviceAccountsFunc(func(ctx context.Context) (map[string][]string, error) {
		return map[string][]string{"ci-bot": {"ci-role"}}, nil
	})

	rslv := &fakeResolver{
		unrestricted: domain.NewUserPermission(domain.UnrestrictedUserID),
		batch:        &resolver.BatchResult{Permissions: map[string]*domain.UserPermission{}, Errors: map[string]error{}},
	}

	s := New(l, rslv, repo, nil, sa, DefaultConfig(), nil)
	workingSet, err := s.buildWorkingSet(context.Background())
	require.NoError(t, err)

	require.Contains(t, workingSet, "alice")
	require.Len(t, workingSet["alice"].ExternalRoles, 1)
	assert.Equal(t, "team-a", workingSet["alice"].ExternalRoles[0].Name)
	assert.False(t, workingSet["alice"].SkipIdentityProvider)

	require.Contains(t, workingSet, "ci-bot")
	require.Len(t, workingSet["ci-bot"].ExternalRoles, 1)
	assert.Equal(t, "ci-role", workingSet["ci-bot"].ExternalRoles[0].Name)
	assert.True(t, workingSet["ci-bot"].SkipIdentityProvider)
}

type serviceAccountsFunc func(ctx context.Context) (map[string][]string, error)

func (f serviceAccountsFunc) ServiceAccounts(ctx context.Context) (map[string][]string, error) {
	return f(ctx)
}
