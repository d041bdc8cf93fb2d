package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/authzd/internal/config"
	"github.com/terraconstructs/authzd/internal/db/bunx"
	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/httpsource"
	"github.com/terraconstructs/authzd/internal/identity"
	"github.com/terraconstructs/authzd/internal/lock"
	"github.com/terraconstructs/authzd/internal/permsource"
	"github.com/terraconstructs/authzd/internal/repository"
	"github.com/terraconstructs/authzd/internal/resolver"
	"github.com/terraconstructs/authzd/internal/resourceloader"
	"github.com/terraconstructs/authzd/internal/resourceprovider"
	"github.com/terraconstructs/authzd/internal/syncer"
	"github.com/terraconstructs/authzd/internal/telemetry"
)

// components holds the wired object graph shared by `serve` and `sync
// now`: resource/role loaders, the resolver, the repository, and the
// distributed lock backing the syncer.
type components struct {
	db          *bun.DB
	redisClient redis.UniversalClient

	loaders   []*resourceloader.Loader
	providers map[domain.ResourceType]*resourceprovider.Provider
	saLoader  *resourceloader.Loader

	identityProvider *identity.Provider
	resolver         *resolver.Resolver
	repo             *repository.Repository
	lock             lock.Lock
	syncer           *syncer.Syncer

	logger *slog.Logger
}

// newLogger builds the JSON (production) or text (--debug) slog.Logger
// per §10.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Debug {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// build wires every component from cfg, starting the resource loaders
// but not the syncer (callers start it explicitly, or run one Tick).
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{logger: logger, providers: map[domain.ResourceType]*resourceprovider.Provider{}}

	// BackendDual's primary is always relational, so it needs the DB
	// regardless of DualPrevious; it needs Redis only if DualPrevious
	// actually names the remote-kv backend.
	needsDB := cfg.RepositoryBackend == config.BackendRelational || cfg.RepositoryBackend == config.BackendDual
	needsRedis := cfg.RepositoryBackend == config.BackendRemoteKV ||
		(cfg.RepositoryBackend == config.BackendDual && cfg.DualPrevious == config.BackendRemoteKV)

	if needsDB {
		db, err := bunx.NewDB(cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		c.db = db
	}
	if needsRedis {
		c.redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
	}

	registry := domain.NewRegistry()
	permsource.New().RegisterFactories(registry)

	loaderCfg := resourceloader.DefaultConfig()
	loaderCfg.Interval = cfg.Provider.RefreshInterval
	loaderCfg.MaxStaleness = cfg.Provider.HealthMaxStale

	providerCfg := resourceprovider.DefaultConfig()
	providerCfg.CacheTTL = cfg.Provider.CacheTTL
	providerCfg.ExecuteFallback = cfg.ExecuteFallbackAuthorization()
	if readOnlyTypes := readOnlyResourceTypeSet(cfg.ReadOnlyResourceTypes); len(readOnlyTypes) > 0 {
		providerCfg.Interceptors = []resourceprovider.Interceptor{
			resourceprovider.ReadOnlyInterceptor{Types: readOnlyTypes},
		}
	}

	addProvider := func(name string, typ domain.ResourceType, url string, applicationPostProcessing bool) {
		src := httpsource.NewResourceSource(url, typ, registry, nil)
		ldr := resourceloader.New(name, src, loaderCfg, logger)
		c.loaders = append(c.loaders, ldr)

		pc := providerCfg
		pc.ApplicationPostProcessing = applicationPostProcessing
		if typ == domain.ResourceTypeApplication {
			pc.AllowAccessToUnknownApplications = cfg.AllowAccessToUnknownApplications
		}
		c.providers[typ] = resourceprovider.New(typ, ldr, nil, pc)
	}

	addProvider("accounts", domain.ResourceTypeAccount, cfg.Sources.AccountsURL, false)
	addProvider("applications", domain.ResourceTypeApplication, cfg.Sources.ApplicationsURL, true)
	addProvider("build-services", domain.ResourceTypeBuildService, cfg.Sources.BuildServicesURL, false)

	saSource := httpsource.NewResourceSource(cfg.Sources.ServiceAccountsURL, domain.ResourceTypeServiceAccount, registry, nil)
	c.saLoader = resourceloader.New("service-accounts", saSource, loaderCfg, logger)
	c.loaders = append(c.loaders, c.saLoader)

	for _, ldr := range c.loaders {
		ldr.Start(ctx)
	}

	rolesSource := httpsource.NewRolesSource(cfg.Sources.IdentityURL, nil)
	c.identityProvider = identity.New(rolesSource)

	resolverProviders := make(map[domain.ResourceType]resolver.ResourceProvider, len(c.providers))
	for typ, p := range c.providers {
		resolverProviders[typ] = p
	}
	c.resolver = resolver.New(resolverProviders, c.identityProvider, resolver.Config{
		AdminRoles:        cfg.AdminRoles,
		UnrestrictedRoles: cfg.UnrestrictedRoles,
	})
	if resolveMetrics, err := telemetry.NewResolveMetrics(); err != nil {
		logger.Warn("resolve metrics unavailable, continuing without them", "error", err)
	} else {
		c.resolver.SetMetrics(resolveMetrics)
	}

	backend, err := c.newBackend(cfg, registry)
	if err != nil {
		return nil, err
	}
	c.repo = repository.New(backend, cfg.Provider.CacheTTL, logger)

	c.lock, err = c.newLock(cfg)
	if err != nil {
		return nil, err
	}

	healthy := make([]syncer.HealthGated, 0, len(c.providers))
	for _, p := range c.providers {
		healthy = append(healthy, p)
	}

	c.syncer = syncer.New(c.lock, c.resolver, c.repo, healthy, serviceAccountSource{c.saLoader}, syncer.Config{
		LockName:        cfg.Sync.LockName,
		MaxLockDuration: time.Duration(cfg.Sync.DelayTimeoutMs) * time.Millisecond,
		SuccessInterval: time.Duration(cfg.Sync.DelayMs) * time.Millisecond,
		FailureInterval: time.Duration(cfg.Sync.FailureDelayMs) * time.Millisecond,
		RetryInterval:   time.Duration(cfg.Sync.RetryIntervalMs) * time.Millisecond,
		SafetyMargin:    30 * time.Second,
	}, logger)
	c.syncer.SetWriteModeEnabled(cfg.Sync.Enabled)
	if syncMetrics, err := telemetry.NewSyncMetrics(); err != nil {
		logger.Warn("sync metrics unavailable, continuing without them", "error", err)
	} else {
		c.syncer.SetMetrics(syncMetrics)
	}

	return c, nil
}

func (c *components) newBackend(cfg *config.Config, registry *domain.Registry) (repository.Backend, error) {
	return c.newNamedBackend(cfg, cfg.RepositoryBackend, registry)
}

// newNamedBackend resolves one named backend identifier to a concrete
// repository.Backend. It is also used to resolve BackendDual's
// `previous` leg from cfg.DualPrevious, so dual nesting is rejected
// explicitly rather than silently defaulting (§4.5c: "startup fails if
// the identifiers do not resolve to exactly one each among the wired
// repositories").
func (c *components) newNamedBackend(cfg *config.Config, selection config.RepositoryBackend, registry *domain.Registry) (repository.Backend, error) {
	switch selection {
	case config.BackendInMemory:
		return repository.NewInMemoryBackend(clockMillis), nil
	case config.BackendRelational:
		if c.db == nil {
			return nil, fmt.Errorf("repository backend %q requires a relational store but none is wired", selection)
		}
		return repository.NewRelationalBackend(c.db, registry, repository.DefaultRelationalConfig(), clockMillis), nil
	case config.BackendRemoteKV:
		if c.redisClient == nil {
			return nil, fmt.Errorf("repository backend %q requires a redis client but none is wired", selection)
		}
		return repository.NewRemoteKVBackend(c.redisClient, registry, repository.DefaultRemoteKVConfig(), clockMillis), nil
	case config.BackendDual:
		primary := repository.NewRelationalBackend(c.db, registry, repository.DefaultRelationalConfig(), clockMillis)
		previous, err := c.newNamedBackend(cfg, cfg.DualPrevious, registry)
		if err != nil {
			return nil, fmt.Errorf("resolve dual_previous: %w", err)
		}
		return repository.NewDualBackend(primary, previous, c.logger), nil
	default:
		return nil, fmt.Errorf("unknown repository backend %q", selection)
	}
}

func (c *components) newLock(cfg *config.Config) (lock.Lock, error) {
	switch cfg.RepositoryBackend {
	case config.BackendRemoteKV:
		return lock.NewRedisLock(c.redisClient), nil
	default:
		if c.db == nil {
			return nil, fmt.Errorf("repository backend %q has no relational store to back the distributed lock", cfg.RepositoryBackend)
		}
		return lock.NewPostgresLock(c.db), nil
	}
}

// stop halts every background loop build() started.
func (c *components) stop() {
	for _, ldr := range c.loaders {
		ldr.Stop()
	}
	c.syncer.Stop()
}

func clockMillis() int64 {
	return time.Now().UnixMilli()
}

// readOnlyResourceTypeSet turns the configured read-only-resource-type
// names into the map resourceprovider.ReadOnlyInterceptor.Supports
// consults. Names that are not well-known are kept as extension types
// rather than validated against a fixed enum; only unparseable names
// (empty, or with an empty final segment) are skipped, and none of them
// fails startup.
func readOnlyResourceTypeSet(names []string) map[domain.ResourceType]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[domain.ResourceType]bool, len(names))
	for _, n := range names {
		t, err := domain.ParseResourceType(n)
		if err != nil {
			continue
		}
		out[t] = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// serviceAccountSource adapts a resourceloader.Loader's snapshot to
// syncer.ServiceAccountSource; ServiceAccount is a Resource but not an
// AccessControlled, so it has no resourceprovider.Provider of its own.
type serviceAccountSource struct {
	loader *resourceloader.Loader
}

func (s serviceAccountSource) ServiceAccounts(ctx context.Context) (map[string][]string, error) {
	resources, _ := s.loader.Snapshot()
	out := make(map[string][]string, len(resources))
	for _, r := range resources {
		if sa, ok := r.(domain.ServiceAccount); ok {
			out[sa.Name] = sa.MemberOf
		}
	}
	return out, nil
}
