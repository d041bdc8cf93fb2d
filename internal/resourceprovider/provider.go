// Package resourceprovider wraps a resourceloader.Loader (optionally two,
// for sources that union) with the post-processing pipeline, interceptor
// chain, and short-TTL cache described in §4.2.
package resourceprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/resourceloader"
)

var errUnhealthyNoSnapshot = errors.New("loader is unhealthy and no cached snapshot exists")

// Interceptor rewrites the Permissions of resources it opts into via
// Supports. Interceptors that do not support a resource's type are
// skipped silently.
type Interceptor interface {
	Supports(t domain.ResourceType) bool
	Intercept(resources []domain.AccessControlled) []domain.AccessControlled
}

// ReadOnlyInterceptor intersects every authorization set down to {READ}
// for resource types it is configured to support.
type ReadOnlyInterceptor struct {
	Types map[domain.ResourceType]bool
}

func (r ReadOnlyInterceptor) Supports(t domain.ResourceType) bool { return r.Types[t] }

func (r ReadOnlyInterceptor) Intercept(resources []domain.AccessControlled) []domain.AccessControlled {
	out := make([]domain.AccessControlled, len(resources))
	for i, res := range resources {
		out[i] = withPermissions(res, res.Perms().Intersect(domain.Read))
	}
	return out
}

// Config configures one Provider instance.
type Config struct {
	// CacheTTL bounds how long a post-processed set is reused once
	// computed, independent of generation changes (default 10s).
	CacheTTL time.Duration
	// ApplicationPostProcessing enables prefix extraction and EXECUTE
	// fallback; only meaningful for the APPLICATION resource type.
	ApplicationPostProcessing bool
	// ExecuteFallback names the authorization whose group set seeds an
	// empty EXECUTE (default READ).
	ExecuteFallback domain.Authorization
	// AllowAccessToUnknownApplications implements the applications-only
	// policy knob from §4.2/§6.
	AllowAccessToUnknownApplications bool
	Interceptors                     []Interceptor
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:        10 * time.Second,
		ExecuteFallback: domain.Read,
	}
}

// Provider wraps loader (and optionally secondary, for sources that
// union — e.g. two application inventories) and exposes the three
// restriction views (§4.2).
type Provider struct {
	resourceType domain.ResourceType
	loader       *resourceloader.Loader
	secondary    *resourceloader.Loader
	cfg          Config

	// cache holds the single post-processed set currently in play,
	// keyed by "gen1-gen2" so a generation bump is a plain cache miss.
	// A two-entry LRU (rather than one) lets the entry for the
	// outgoing generation keep serving concurrent in-flight readers
	// for one more TTL window while the new generation populates.
	cache *expirable.LRU[string, []domain.AccessControlled]
}

// New builds a Provider for resourceType backed by loader, with an
// optional secondary loader to union against (applications only;
// primary wins on name collision).
func New(resourceType domain.ResourceType, loader *resourceloader.Loader, secondary *resourceloader.Loader, cfg Config) *Provider {
	return &Provider{
		resourceType: resourceType,
		loader:       loader,
		secondary:    secondary,
		cfg:          cfg,
		cache:        expirable.NewLRU[string, []domain.AccessControlled](2, nil, cfg.CacheTTL),
	}
}

// All returns the full post-processed set.
func (p *Provider) All(ctx context.Context) ([]domain.AccessControlled, error) {
	return p.materialize(ctx)
}

// Health returns the primary loader's HealthTracker, used by the syncer
// to gate a tick without blocking it (§4.6).
func (p *Provider) Health() *resourceloader.HealthTracker {
	return p.loader.Health()
}

// AllUnrestricted returns entries with empty Permissions.
func (p *Provider) AllUnrestricted(ctx context.Context) ([]domain.AccessControlled, error) {
	all, err := p.materialize(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AccessControlled, 0, len(all))
	for _, r := range all {
		if !r.Perms().IsRestricted() {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllRestricted returns entries whose Permissions is non-empty and
// either isAdmin, or at least one of roles is in the entry's
// Permissions.AllGroups(). When AllowAccessToUnknownApplications is set
// (applications only) the role filter is skipped entirely and every
// restricted entry is returned, with downstream restriction left to the view
// layer (§4.2).
func (p *Provider) AllRestricted(ctx context.Context, roles []string, isAdmin bool) ([]domain.AccessControlled, error) {
	all, err := p.materialize(ctx)
	if err != nil {
		return nil, err
	}
	if p.cfg.AllowAccessToUnknownApplications {
		out := make([]domain.AccessControlled, 0, len(all))
		for _, r := range all {
			if r.Perms().IsRestricted() {
				out = append(out, r)
			}
		}
		return out, nil
	}
	out := make([]domain.AccessControlled, 0, len(all))
	for _, r := range all {
		if !r.Perms().IsRestricted() {
			continue
		}
		if isAdmin || r.Perms().IntersectsAny(roles) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetByID returns a single entry by case-insensitive name.
func (p *Provider) GetByID(ctx context.Context, name string) (domain.AccessControlled, bool, error) {
	all, err := p.materialize(ctx)
	if err != nil {
		return nil, false, err
	}
	norm := strings.ToLower(strings.TrimSpace(name))
	for _, r := range all {
		if strings.ToLower(strings.TrimSpace(r.ResourceName())) == norm {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func (p *Provider) materialize(ctx context.Context) ([]domain.AccessControlled, error) {
	_, gen1 := p.loader.Snapshot()
	var gen2 uint64
	if p.secondary != nil {
		_, gen2 = p.secondary.Snapshot()
	}

	if gen1 == 0 && !p.loader.Health().IsHealthy() {
		return nil, &domain.ProviderError{Source: string(p.resourceType), Cause: errUnhealthyNoSnapshot}
	}

	key := fmt.Sprintf("%d-%d", gen1, gen2)
	if resources, ok := p.cache.Get(key); ok {
		return resources, nil
	}

	resources := p.postProcess(p.union())
	p.cache.Add(key, resources)
	return resources, nil
}

func (p *Provider) union() []domain.AccessControlled {
	primary, _ := p.loader.Snapshot()
	byKey := make(map[string]domain.AccessControlled, len(primary))
	order := make([]string, 0, len(primary))
	for _, r := range primary {
		ac, ok := r.(domain.AccessControlled)
		if !ok {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(ac.ResourceName()))
		if _, exists := byKey[k]; !exists {
			order = append(order, k)
		}
		byKey[k] = ac
	}
	if p.secondary != nil {
		secondary, _ := p.secondary.Snapshot()
		for _, r := range secondary {
			ac, ok := r.(domain.AccessControlled)
			if !ok {
				continue
			}
			k := strings.ToLower(strings.TrimSpace(ac.ResourceName()))
			if _, exists := byKey[k]; exists {
				continue // primary wins on name collision
			}
			byKey[k] = ac
			order = append(order, k)
		}
	}
	out := make([]domain.AccessControlled, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func (p *Provider) postProcess(resources []domain.AccessControlled) []domain.AccessControlled {
	if p.cfg.ApplicationPostProcessing {
		resources = extractPrefixes(resources)
		resources = applyExecuteFallback(resources, fallbackOrDefault(p.cfg.ExecuteFallback))
	}
	for _, ic := range p.cfg.Interceptors {
		if ic.Supports(p.resourceType) {
			resources = ic.Intercept(resources)
		}
	}
	return resources
}

func fallbackOrDefault(a domain.Authorization) domain.Authorization {
	if a == "" {
		return domain.Read
	}
	return a
}

// extractPrefixes separates prefix entries from real entries and merges
// each prefix entry's Permissions into every entry whose name starts
// with its stem (§4.2 step 2). No prefix entry survives into the
// returned set.
func extractPrefixes(resources []domain.AccessControlled) []domain.AccessControlled {
	var prefixes []domain.Application
	var others []domain.AccessControlled
	entries := make([]domain.Application, 0, len(resources))
	for _, r := range resources {
		app, ok := r.(domain.Application)
		if !ok {
			// Non-application AccessControlled types pass through
			// untouched; this path is applications-only.
			others = append(others, r)
			continue
		}
		if app.IsPrefixEntry() {
			prefixes = append(prefixes, app)
		} else {
			entries = append(entries, app)
		}
	}
	out := make([]domain.AccessControlled, 0, len(entries))
	for _, e := range entries {
		stemMatches := []domain.Permissions{e.Permissions}
		name := strings.ToLower(e.Name)
		for _, pre := range prefixes {
			stem := strings.ToLower(pre.Stem())
			if strings.HasPrefix(name, stem) {
				stemMatches = append(stemMatches, pre.Permissions)
			}
		}
		e.Permissions = domain.CombinePermissions(stemMatches...)
		out = append(out, e)
	}
	return append(out, others...)
}

// applyExecuteFallback applies Permissions.WithExecuteFallback to every
// application entry (§4.2 step 3).
func applyExecuteFallback(resources []domain.AccessControlled, fallback domain.Authorization) []domain.AccessControlled {
	out := make([]domain.AccessControlled, len(resources))
	for i, r := range resources {
		app, ok := r.(domain.Application)
		if !ok {
			out[i] = r
			continue
		}
		app.Permissions = app.Permissions.WithExecuteFallback(fallback)
		out[i] = app
	}
	return out
}

func withPermissions(r domain.AccessControlled, p domain.Permissions) domain.AccessControlled {
	switch v := r.(type) {
	case domain.Account:
		v.Permissions = p
		return v
	case domain.Application:
		v.Permissions = p
		return v
	case domain.BuildService:
		v.Permissions = p
		return v
	case domain.Extension:
		v.Permissions = p
		return v
	default:
		return r
	}
}
