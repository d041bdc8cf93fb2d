package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
)

func newTestRedisBackend(t *testing.T) *RemoteKVBackend {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRemoteKVBackend(client, domain.NewRegistry(), DefaultRemoteKVConfig(), testClock())
}

func TestRemoteKVBackend_PutAndGetRoundTrip(t *testing.T) {
	backend := newTestRedisBackend(t)
	ctx := context.Background()

	up := domain.NewUserPermission("alice")
	up.AddResource(domain.Account{Name: "prod", Permissions: domain.NewPermissions(map[domain.Authorization][]string{
		domain.Read: {"team-a"},
	})})
	up.Roles["team-a"] = domain.Role{Name: "team-a"}
	require.NoError(t, backend.Put(ctx, up))

	got, found, err := backend.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, got.Accounts, "prod")
	assert.ElementsMatch(t, []string{"team-a"}, got.Accounts["prod"].Permissions.Get(domain.Read))
}

func TestRemoteKVBackend_UnknownUserAbsent(t *testing.T) {
	backend := newTestRedisBackend(t)
	_, found, err := backend.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteKVBackend_GetAllByRolesUnionsSets(t *testing.T) {
	backend := newTestRedisBackend(t)
	ctx := context.Background()

	alice := domain.NewUserPermission("alice")
	alice.Roles["team-a"] = domain.Role{Name: "team-a"}
	bob := domain.NewUserPermission("bob")
	bob.Roles["team-b"] = domain.Role{Name: "team-b"}
	require.NoError(t, backend.Put(ctx, alice))
	require.NoError(t, backend.Put(ctx, bob))

	out, err := backend.GetAllByRoles(ctx, []string{"team-a", "team-b"})
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "bob")

	none, err := backend.GetAllByRoles(ctx, []string{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRemoteKVBackend_PutAllPrunesRemovedUsers(t *testing.T) {
	backend := newTestRedisBackend(t)
	ctx := context.Background()

	alice := domain.NewUserPermission("alice")
	bob := domain.NewUserPermission("bob")
	require.NoError(t, backend.PutAll(ctx, map[string]*domain.UserPermission{"alice": alice, "bob": bob}))
	require.NoError(t, backend.PutAll(ctx, map[string]*domain.UserPermission{"alice": alice}))

	_, found, err := backend.Get(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteKVBackend_UnrestrictedVersionTracksLastModified(t *testing.T) {
	backend := newTestRedisBackend(t)
	ctx := context.Background()

	v, err := backend.UnrestrictedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	up := domain.NewUserPermission(domain.UnrestrictedUserID)
	require.NoError(t, backend.Put(ctx, up))

	v, err = backend.UnrestrictedVersion(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "0", v)
}

func TestRemoteKVBackend_TimeoutSurfacesReadTimeout(t *testing.T) {
	backend := newTestRedisBackend(t)
	backend.cfg.Timeout = time.Nanosecond

	_, _, err := backend.Get(context.Background(), "alice")
	require.Error(t, err)
	var timeoutErr *domain.PermissionReadTimeout
	assert.ErrorAs(t, err, &timeoutErr)
}
