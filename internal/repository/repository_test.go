package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
)

func clockSeq() func() int64 {
	var n int64
	return func() int64 {
		n++
		return n
	}
}

func TestRepository_GetMergesUnrestricted(t *testing.T) {
	backend := NewInMemoryBackend(clockSeq())
	repo := New(backend, time.Minute, nil)
	ctx := context.Background()

	unrestricted := domain.NewUserPermission(domain.UnrestrictedUserID)
	unrestricted.AddResource(domain.Account{Name: "open"})
	require.NoError(t, repo.Put(ctx, unrestricted))

	alice := domain.NewUserPermission("alice")
	alice.AddResource(domain.Account{Name: "gated"})
	require.NoError(t, repo.Put(ctx, alice))

	got, found, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, got.Accounts, "gated")
	assert.Contains(t, got.Accounts, "open")
}

func TestRepository_GetUnrestrictedDirect(t *testing.T) {
	backend := NewInMemoryBackend(clockSeq())
	repo := New(backend, time.Minute, nil)
	ctx := context.Background()

	up := domain.NewUserPermission(domain.UnrestrictedUserID)
	require.NoError(t, repo.Put(ctx, up))

	got, found, err := repo.Get(ctx, domain.UnrestrictedUserID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.UnrestrictedUserID, got.ID)
}

func TestRepository_GetMissingUser(t *testing.T) {
	backend := NewInMemoryBackend(clockSeq())
	repo := New(backend, time.Minute, nil)
	_, found, err := repo.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRepository_PutAllPrunesOrphans(t *testing.T) {
	backend := NewInMemoryBackend(clockSeq())
	repo := New(backend, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, repo.PutAll(ctx, map[string]*domain.UserPermission{
		"alice": domain.NewUserPermission("alice"),
		"bob":   domain.NewUserPermission("bob"),
	}))
	require.NoError(t, repo.PutAll(ctx, map[string]*domain.UserPermission{
		"alice": domain.NewUserPermission("alice"),
	}))

	all, err := repo.GetAllByID(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "alice")
	assert.NotContains(t, all, "bob")
}

func TestRepository_GetAllByRolesSemantics(t *testing.T) {
	backend := NewInMemoryBackend(clockSeq())
	repo := New(backend, time.Minute, nil)
	ctx := context.Background()

	alice := domain.NewUserPermission("alice")
	alice.Roles["team-a"] = domain.Role{Name: "team-a"}
	require.NoError(t, repo.Put(ctx, alice))

	bob := domain.NewUserPermission("bob")
	bob.Roles["team-b"] = domain.Role{Name: "team-b"}
	require.NoError(t, repo.Put(ctx, bob))

	// nil => all users (plus unrestricted)
	all, err := repo.GetAllByRoles(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, all, "alice")
	assert.Contains(t, all, "bob")
	assert.Contains(t, all, domain.UnrestrictedUserID)

	// empty, non-nil => only unrestricted
	onlyUnrestricted, err := repo.GetAllByRoles(ctx, []string{})
	require.NoError(t, err)
	assert.Len(t, onlyUnrestricted, 1)
	assert.Contains(t, onlyUnrestricted, domain.UnrestrictedUserID)

	// specific roles => matching users plus unrestricted
	filtered, err := repo.GetAllByRoles(ctx, []string{"team-a"})
	require.NoError(t, err)
	assert.Contains(t, filtered, "alice")
	assert.NotContains(t, filtered, "bob")
	assert.Contains(t, filtered, domain.UnrestrictedUserID)
}

func TestRepository_UnrestrictedCacheRespectsVersionAndTTL(t *testing.T) {
	backend := NewInMemoryBackend(clockSeq())
	repo := New(backend, time.Hour, nil)
	ctx := context.Background()

	v1 := domain.NewUserPermission(domain.UnrestrictedUserID)
	v1.AddResource(domain.Account{Name: "first"})
	require.NoError(t, repo.Put(ctx, v1))

	got, _, err := repo.Get(ctx, domain.UnrestrictedUserID)
	require.NoError(t, err)
	assert.Contains(t, got.Accounts, "first")

	v2 := domain.NewUserPermission(domain.UnrestrictedUserID)
	v2.AddResource(domain.Account{Name: "second"})
	require.NoError(t, repo.Put(ctx, v2))

	got, _, err = repo.Get(ctx, domain.UnrestrictedUserID)
	require.NoError(t, err)
	assert.Contains(t, got.Accounts, "second", "version bump must invalidate the cache even with a long TTL")
}

type flakyBackend struct {
	Backend
	failVersion bool
}

func (f *flakyBackend) UnrestrictedVersion(ctx context.Context) (string, error) {
	if f.failVersion {
		return "", assert.AnError
	}
	return f.Backend.UnrestrictedVersion(ctx)
}

func TestRepository_FallbackPointerServesLastGoodOnLoadFailure(t *testing.T) {
	inner := NewInMemoryBackend(clockSeq())
	flaky := &flakyBackend{Backend: inner}
	repo := New(flaky, time.Millisecond, nil)
	ctx := context.Background()

	up := domain.NewUserPermission(domain.UnrestrictedUserID)
	up.AddResource(domain.Account{Name: "stable"})
	require.NoError(t, repo.Put(ctx, up))
	_, _, err := repo.Get(ctx, domain.UnrestrictedUserID)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	flaky.failVersion = true

	got, found, err := repo.Get(ctx, domain.UnrestrictedUserID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, got.Accounts, "stable")
}
