package resourceprovider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/resourceloader"
)

func newStartedLoader(t *testing.T, resources []domain.Resource) *resourceloader.Loader {
	t.Helper()
	source := resourceloader.SourceFunc(func(ctx context.Context) ([]domain.Resource, error) {
		return resources, nil
	})
	cfg := resourceloader.DefaultConfig()
	cfg.Interval = time.Hour
	l := resourceloader.New("test", source, cfg, nil)
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestProvider_PrefixExtractionAndExecuteFallback(t *testing.T) {
	apps := []domain.Resource{
		domain.Application{
			Name: "new-app",
			Permissions: domain.NewPermissions(map[domain.Authorization][]string{
				domain.Read: {"new_team"},
			}),
		},
		domain.Application{
			Name: "new-*",
			Permissions: domain.NewPermissions(map[domain.Authorization][]string{
				domain.Write: {"power_group"},
			}),
		},
	}
	loader := newStartedLoader(t, apps)
	p := New(domain.ResourceTypeApplication, loader, nil, Config{
		CacheTTL:                  time.Minute,
		ApplicationPostProcessing: true,
		ExecuteFallback:           domain.Read,
	})

	all, err := p.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1) // the prefix entry never survives

	app := all[0].(domain.Application)
	assert.ElementsMatch(t, []string{"new_team"}, app.Permissions.Get(domain.Read))
	assert.ElementsMatch(t, []string{"power_group"}, app.Permissions.Get(domain.Write))
	// EXECUTE falls back to READ's groups since EXECUTE was never set.
	assert.ElementsMatch(t, []string{"new_team"}, app.Permissions.Get(domain.Execute))
}

func TestProvider_AllRestrictedFiltersByRole(t *testing.T) {
	accounts := []domain.Resource{
		domain.Account{Name: "open", Permissions: domain.EmptyPermissions},
		domain.Account{Name: "gated", Permissions: domain.NewPermissions(map[domain.Authorization][]string{
			domain.Read: {"team-a"},
		})},
	}
	loader := newStartedLoader(t, accounts)
	p := New(domain.ResourceTypeAccount, loader, nil, DefaultConfig())

	restricted, err := p.AllRestricted(context.Background(), []string{"team-a"}, false)
	require.NoError(t, err)
	require.Len(t, restricted, 1)
	assert.Equal(t, "gated", restricted[0].ResourceName())

	none, err := p.AllRestricted(context.Background(), []string{"team-b"}, false)
	require.NoError(t, err)
	assert.Empty(t, none)

	admin, err := p.AllRestricted(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Len(t, admin, 1)

	unrestricted, err := p.AllUnrestricted(context.Background())
	require.NoError(t, err)
	require.Len(t, unrestricted, 1)
	assert.Equal(t, "open", unrestricted[0].ResourceName())
}

func TestProvider_GetByIDCaseInsensitive(t *testing.T) {
	loader := newStartedLoader(t, []domain.Resource{domain.Account{Name: "Prod-Account"}})
	p := New(domain.ResourceTypeAccount, loader, nil, DefaultConfig())

	found, ok, err := p.GetByID(context.Background(), "prod-account")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Prod-Account", found.ResourceName())

	_, ok, err = p.GetByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProvider_UnhealthyWithNoSnapshotErrors(t *testing.T) {
	source := resourceloader.SourceFunc(func(ctx context.Context) ([]domain.Resource, error) {
		return nil, assert.AnError
	})
	cfg := resourceloader.DefaultConfig()
	cfg.Interval = time.Hour
	cfg.MaxAttempts = 1
	cfg.InitialInterval = time.Millisecond
	loader := resourceloader.New("broken", source, cfg, nil)
	loader.Start(context.Background())
	t.Cleanup(loader.Stop)

	p := New(domain.ResourceTypeAccount, loader, nil, DefaultConfig())
	_, err := p.All(context.Background())
	require.Error(t, err)
	var provErr *domain.ProviderError
	require.ErrorAs(t, err, &provErr)
}

func TestProvider_ReadOnlyInterceptorIntersectsDownToRead(t *testing.T) {
	accounts := []domain.Resource{
		domain.Account{
			Name: "prod-account",
			Permissions: domain.NewPermissions(map[domain.Authorization][]string{
				domain.Read:  {"team-a"},
				domain.Write: {"team-a"},
			}),
		},
	}
	loader := newStartedLoader(t, accounts)
	cfg := DefaultConfig()
	cfg.Interceptors = []Interceptor{
		ReadOnlyInterceptor{Types: map[domain.ResourceType]bool{domain.ResourceTypeAccount: true}},
	}
	p := New(domain.ResourceTypeAccount, loader, nil, cfg)

	all, err := p.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)

	acct := all[0].(domain.Account)
	assert.ElementsMatch(t, []string{"team-a"}, acct.Permissions.Get(domain.Read))
	assert.Empty(t, acct.Permissions.Get(domain.Write))
}

func TestProvider_ReadOnlyInterceptorSkipsUnsupportedTypes(t *testing.T) {
	apps := []domain.Resource{
		domain.Application{
			Name: "unicorn-api",
			Permissions: domain.NewPermissions(map[domain.Authorization][]string{
				domain.Read:  {"team-a"},
				domain.Write: {"team-a"},
			}),
		},
	}
	loader := newStartedLoader(t, apps)
	cfg := DefaultConfig()
	// The interceptor is configured for ACCOUNT only, so an APPLICATION
	// provider's entries pass through untouched.
	cfg.Interceptors = []Interceptor{
		ReadOnlyInterceptor{Types: map[domain.ResourceType]bool{domain.ResourceTypeAccount: true}},
	}
	p := New(domain.ResourceTypeApplication, loader, nil, cfg)

	all, err := p.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)

	app := all[0].(domain.Application)
	assert.ElementsMatch(t, []string{"team-a"}, app.Permissions.Get(domain.Write))
}
