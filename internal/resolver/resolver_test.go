package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
)

type fakeProvider struct {
	unrestricted []domain.AccessControlled
	restricted   []domain.AccessControlled
}

func (f fakeProvider) AllRestricted(ctx context.Context, roles []string, isAdmin bool) ([]domain.AccessControlled, error) {
	if isAdmin {
		return f.restricted, nil
	}
	members := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		members[r] = struct{}{}
	}
	var out []domain.AccessControlled
	for _, res := range f.restricted {
		if res.Perms().IntersectsAny(roles) {
			out = append(out, res)
		}
	}
	return out, nil
}

func (f fakeProvider) AllUnrestricted(ctx context.Context) ([]domain.AccessControlled, error) {
	return f.unrestricted, nil
}

type fakeRoles struct {
	byUser   map[string][]domain.Role
	queried  map[string]bool
	multiIDs []string
}

func (f *fakeRoles) LoadRoles(ctx context.Context, userID string) ([]domain.Role, bool, error) {
	if f.queried == nil {
		f.queried = make(map[string]bool)
	}
	f.queried[userID] = true
	roles, ok := f.byUser[userID]
	return roles, ok, nil
}

func (f *fakeRoles) MultiLoadRoles(ctx context.Context, userIDs []string) (map[string][]domain.Role, error) {
	f.multiIDs = append(f.multiIDs, userIDs...)
	out := make(map[string][]domain.Role)
	for _, id := range userIDs {
		if roles, ok := f.byUser[id]; ok {
			out[id] = roles
		}
	}
	return out, nil
}

func gatedAccount(name, group string) domain.Account {
	return domain.Account{Name: name, Permissions: domain.NewPermissions(map[domain.Authorization][]string{
		domain.Read: {group},
	})}
}

func TestResolver_ResolveAndMerge(t *testing.T) {
	providers := map[domain.ResourceType]ResourceProvider{
		domain.ResourceTypeAccount: fakeProvider{
			unrestricted: []domain.AccessControlled{domain.Account{Name: "open"}},
			restricted:   []domain.AccessControlled{gatedAccount("gated", "team-a")},
		},
	}
	roles := &fakeRoles{byUser: map[string][]domain.Role{"alice": {{Name: "Team-A"}}}}
	r := New(providers, roles, Config{})

	up, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, up.Accounts, "gated")
	assert.NotContains(t, up.Accounts, "open") // ResolveAndMerge contributes only AllRestricted
	assert.False(t, up.IsAdmin)
}

func TestResolver_AdminRoleGrantsIsAdmin(t *testing.T) {
	providers := map[domain.ResourceType]ResourceProvider{
		domain.ResourceTypeAccount: fakeProvider{
			restricted: []domain.AccessControlled{gatedAccount("gated", "team-a")},
		},
	}
	roles := &fakeRoles{byUser: map[string][]domain.Role{"bob": {{Name: "platform-admin"}}}}
	r := New(providers, roles, Config{AdminRoles: []string{"platform-admin"}})

	up, err := r.Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, up.IsAdmin)
	assert.Contains(t, up.Accounts, "gated")
}

func TestResolver_ResolveUnrestricted(t *testing.T) {
	providers := map[domain.ResourceType]ResourceProvider{
		domain.ResourceTypeAccount: fakeProvider{
			unrestricted: []domain.AccessControlled{domain.Account{Name: "open"}},
			restricted:   []domain.AccessControlled{gatedAccount("gated", "team-a")},
		},
	}
	roles := &fakeRoles{byUser: map[string][]domain.Role{}}
	r := New(providers, roles, Config{UnrestrictedRoles: nil})

	up, err := r.ResolveUnrestricted(context.Background())
	require.NoError(t, err)
	assert.Contains(t, up.Accounts, "open")
	assert.NotContains(t, up.Accounts, "gated")
}

func TestResolver_ResolveBatchUsesAccessControlIndex(t *testing.T) {
	providers := map[domain.ResourceType]ResourceProvider{
		domain.ResourceTypeAccount: fakeProvider{
			restricted: []domain.AccessControlled{
				gatedAccount("gated-a", "team-a"),
				gatedAccount("gated-b", "team-b"),
			},
		},
	}
	roles := &fakeRoles{byUser: map[string][]domain.Role{
		"alice": {{Name: "team-a"}},
		"carol": {{Name: "team-b"}},
	}}
	r := New(providers, roles, Config{})

	result, err := r.ResolveBatch(context.Background(), []ExternalUser{{ID: "alice"}, {ID: "carol"}})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Contains(t, result.Permissions["alice"].Accounts, "gated-a")
	assert.NotContains(t, result.Permissions["alice"].Accounts, "gated-b")
	assert.Contains(t, result.Permissions["carol"].Accounts, "gated-b")
}

func TestResolver_ServiceAccountExternalRoles(t *testing.T) {
	providers := map[domain.ResourceType]ResourceProvider{
		domain.ResourceTypeAccount: fakeProvider{
			restricted: []domain.AccessControlled{gatedAccount("gated", "deployers")},
		},
	}
	roles := &fakeRoles{byUser: map[string][]domain.Role{}}
	r := New(providers, roles, Config{})

	up, err := r.ResolveAndMerge(context.Background(), ExternalUser{
		ID:                   "svc-deploy-bot",
		ExternalRoles:        []domain.Role{{Name: "deployers", Source: domain.RoleSourceExternal}},
		SkipIdentityProvider: true,
	})
	require.NoError(t, err)
	assert.Contains(t, up.Accounts, "gated")
	assert.False(t, roles.queried["svc-deploy-bot"], "service account roles must not be looked up from the identity provider")
}

func TestResolver_ResolveBatchSkipsIdentityProviderForServiceAccounts(t *testing.T) {
	providers := map[domain.ResourceType]ResourceProvider{
		domain.ResourceTypeAccount: fakeProvider{
			restricted: []domain.AccessControlled{gatedAccount("gated", "deployers")},
		},
	}
	roles := &fakeRoles{byUser: map[string][]domain.Role{
		"svc-deploy-bot": {{Name: "should-never-be-used"}},
	}}
	r := New(providers, roles, Config{})

	result, err := r.ResolveBatch(context.Background(), []ExternalUser{
		{ID: "svc-deploy-bot", ExternalRoles: []domain.Role{{Name: "deployers"}}, SkipIdentityProvider: true},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Permissions["svc-deploy-bot"].Accounts, "gated")
	assert.NotContains(t, roles.multiIDs, "svc-deploy-bot")
}
