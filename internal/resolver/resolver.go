// Package resolver computes each user's effective UserPermission by
// intersecting per-resource-type providers against a user's roles
// (§4.4 PermissionsResolver).
package resolver

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/authzd/internal/domain"
	"github.com/terraconstructs/authzd/internal/telemetry"
)

// ResourceProvider is the subset of resourceprovider.Provider the
// resolver depends on, declared locally so this package does not import
// resourceprovider directly (it only needs the AllRestricted and
// AllUnrestricted views).
type ResourceProvider interface {
	AllRestricted(ctx context.Context, roles []string, isAdmin bool) ([]domain.AccessControlled, error)
	AllUnrestricted(ctx context.Context) ([]domain.AccessControlled, error)
}

// RolesProvider is the subset of identity.Provider the resolver depends
// on.
type RolesProvider interface {
	LoadRoles(ctx context.Context, userID string) ([]domain.Role, bool, error)
	MultiLoadRoles(ctx context.Context, userIDs []string) (map[string][]domain.Role, error)
}

// ExternalUser is a resolve request: a user id plus roles supplied by
// the caller rather than looked up from the identity provider (service
// accounts, or a caller acting on behalf of another system).
type ExternalUser struct {
	ID            string
	ExternalRoles []domain.Role
	// SkipIdentityProvider is set for service accounts (§4.4 "Service
	// accounts as users"): their role list is their MemberOf, carried in
	// ExternalRoles, and the identity provider is never consulted for
	// them even in a batch resolve.
	SkipIdentityProvider bool
}

// Config holds resolver-wide policy knobs.
type Config struct {
	// AdminRoles is the lowercased set of role names that grant
	// isAdmin.
	AdminRoles []string
	// UnrestrictedRoles seeds the anonymous record's roles when the
	// identity provider has no record for UnrestrictedUserID.
	UnrestrictedRoles []string
}

// Resolver computes UserPermission records from a fixed set of
// per-resource-type providers and a RolesProvider.
type Resolver struct {
	providers map[domain.ResourceType]ResourceProvider
	roles     RolesProvider
	cfg       Config
	adminSet  map[string]struct{}
	metrics   *telemetry.ResolveMetrics
}

// New builds a Resolver. providers is keyed by the resource type each
// entry serves (ACCOUNT, APPLICATION, BUILD_SERVICE, or an extension
// type); there is deliberately no entry for ROLE or SERVICE_ACCOUNT,
// which are not AccessControlled.
func New(providers map[domain.ResourceType]ResourceProvider, roles RolesProvider, cfg Config) *Resolver {
	admin := make(map[string]struct{}, len(cfg.AdminRoles))
	for _, r := range cfg.AdminRoles {
		admin[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return &Resolver{providers: providers, roles: roles, cfg: cfg, adminSet: admin}
}

// SetMetrics wires the resolve-attempt instruments recorded by
// ResolveAndMerge and ResolveBatch. A nil Resolver.metrics (the
// zero-value default) disables recording rather than panicking, so
// callers that skip telemetry entirely still work.
func (r *Resolver) SetMetrics(m *telemetry.ResolveMetrics) {
	r.metrics = m
}

// ResolveUnrestricted builds the anonymous record (§4.4).
func (r *Resolver) ResolveUnrestricted(ctx context.Context) (*domain.UserPermission, error) {
	roles, found, err := r.roles.LoadRoles(ctx, domain.UnrestrictedUserID)
	if err != nil {
		return nil, &domain.PermissionResolutionError{UserID: domain.UnrestrictedUserID, Cause: err}
	}
	var names []string
	if found {
		for _, role := range roles {
			names = append(names, role.Name)
		}
	} else {
		names = append(names, r.cfg.UnrestrictedRoles...)
	}
	names = lowercaseAll(names)

	up := domain.NewUserPermission(domain.UnrestrictedUserID)
	for typ, provider := range r.providers {
		unrestricted, err := provider.AllUnrestricted(ctx)
		if err != nil {
			return nil, &domain.PermissionResolutionError{UserID: domain.UnrestrictedUserID, Cause: err}
		}
		addAll(up, unrestricted)

		if len(names) > 0 {
			restricted, err := provider.AllRestricted(ctx, names, false)
			if err != nil {
				return nil, &domain.PermissionResolutionError{UserID: domain.UnrestrictedUserID, Cause: err}
			}
			addAll(up, restricted)
		}
		_ = typ
	}
	return up, nil
}

// Resolve delegates to ResolveAndMerge with no external roles (§4.4).
func (r *Resolver) Resolve(ctx context.Context, userID string) (*domain.UserPermission, error) {
	return r.ResolveAndMerge(ctx, ExternalUser{ID: userID})
}

// ResolveAndMerge loads userID's roles from the RolesProvider, unions
// them with externalUser.ExternalRoles, and resolves against every
// provider (§4.4).
func (r *Resolver) ResolveAndMerge(ctx context.Context, user ExternalUser) (up *domain.UserPermission, err error) {
	ctx, span := telemetry.StartSpan(ctx, "authzd/resolver", "resolver.ResolveAndMerge",
		attribute.String(telemetry.AttrUserID, user.ID),
	)
	start := time.Now()
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		if r.metrics != nil {
			r.metrics.RecordResolve(ctx, false, err == nil, float64(time.Since(start).Milliseconds()))
		}
	}()

	if user.ID == domain.UnrestrictedUserID {
		up, err = r.ResolveUnrestricted(ctx)
		return up, err
	}

	roleSet := make(map[string]struct{})
	var roleNames []string
	for _, role := range user.ExternalRoles {
		name := strings.ToLower(strings.TrimSpace(role.Name))
		if _, ok := roleSet[name]; ok || name == "" {
			continue
		}
		roleSet[name] = struct{}{}
		roleNames = append(roleNames, name)
	}

	if !user.SkipIdentityProvider {
		providerRoles, _, err := r.roles.LoadRoles(ctx, user.ID)
		if err != nil {
			return nil, &domain.PermissionResolutionError{UserID: user.ID, Cause: err}
		}
		for _, role := range providerRoles {
			name := strings.ToLower(strings.TrimSpace(role.Name))
			if _, ok := roleSet[name]; ok || name == "" {
				continue
			}
			roleSet[name] = struct{}{}
			roleNames = append(roleNames, name)
		}
	}

	isAdmin := r.isAdmin(roleNames)

	up = domain.NewUserPermission(user.ID)
	up.IsAdmin = isAdmin
	for _, name := range roleNames {
		up.Roles[name] = domain.Role{Name: name}
	}

	for _, provider := range r.providers {
		restricted, rErr := provider.AllRestricted(ctx, roleNames, isAdmin)
		if rErr != nil {
			err = &domain.PermissionResolutionError{UserID: user.ID, Cause: rErr}
			return nil, err
		}
		addAll(up, restricted)
	}
	span.SetAttributes(
		attribute.Bool(telemetry.AttrUserIsAdmin, isAdmin),
		attribute.Int(telemetry.AttrResolveRoleCount, len(roleNames)),
	)
	return up, nil
}

// BatchResult pairs successful and partial-failure outcomes so a single
// user's provider error does not fail the whole batch (§4.4).
type BatchResult struct {
	Permissions map[string]*domain.UserPermission
	Errors      map[string]error
}

// ResolveBatch resolves every user in one pass using a single
// multiLoadRoles call and a shared access-control index (§4.4), rather
// than re-filtering every provider per user.
func (r *Resolver) ResolveBatch(ctx context.Context, users []ExternalUser) (result *BatchResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "authzd/resolver", "resolver.ResolveBatch",
		attribute.Int("resolve.user_count", len(users)),
	)
	start := time.Now()
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		if r.metrics != nil {
			r.metrics.RecordResolve(ctx, true, err == nil, float64(time.Since(start).Milliseconds()))
		}
	}()

	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID != domain.UnrestrictedUserID && !u.SkipIdentityProvider {
			ids = append(ids, u.ID)
		}
	}
	rolesByUser, err := r.roles.MultiLoadRoles(ctx, ids)
	if err != nil {
		return nil, err
	}

	index, err := r.buildAccessControlIndex(ctx)
	if err != nil {
		return nil, err
	}

	result = &BatchResult{
		Permissions: make(map[string]*domain.UserPermission, len(users)),
		Errors:      make(map[string]error),
	}

	for _, u := range users {
		if u.ID == domain.UnrestrictedUserID {
			up, err := r.ResolveUnrestricted(ctx)
			if err != nil {
				result.Errors[u.ID] = err
				continue
			}
			result.Permissions[u.ID] = up
			continue
		}

		roleSet := make(map[string]struct{})
		var roleNames []string
		for _, role := range u.ExternalRoles {
			name := strings.ToLower(strings.TrimSpace(role.Name))
			if _, ok := roleSet[name]; ok || name == "" {
				continue
			}
			roleSet[name] = struct{}{}
			roleNames = append(roleNames, name)
		}
		if !u.SkipIdentityProvider {
			for _, role := range rolesByUser[u.ID] {
				name := strings.ToLower(strings.TrimSpace(role.Name))
				if _, ok := roleSet[name]; ok || name == "" {
					continue
				}
				roleSet[name] = struct{}{}
				roleNames = append(roleNames, name)
			}
		}

		isAdmin := r.isAdmin(roleNames)
		up := domain.NewUserPermission(u.ID)
		up.IsAdmin = isAdmin
		for _, name := range roleNames {
			up.Roles[name] = domain.Role{Name: name}
		}

		seen := make(map[string]struct{})
		for _, name := range roleNames {
			for _, res := range index[name] {
				k := string(res.Kind()) + ":" + strings.ToLower(res.ResourceName())
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				up.AddResource(res)
			}
		}
		result.Permissions[u.ID] = up
	}
	return result, nil
}

// buildAccessControlIndex iterates every AccessControlled resource from
// every provider once and inserts (group -> resource) into a multimap,
// keyed by lowercased group name (§4.4).
func (r *Resolver) buildAccessControlIndex(ctx context.Context) (map[string][]domain.AccessControlled, error) {
	index := make(map[string][]domain.AccessControlled)
	for _, provider := range r.providers {
		// isAdmin=true here so the index captures every restricted
		// entry regardless of caller roles; per-user filtering happens
		// via the roleNames lookup below, not by re-calling the
		// provider.
		all, err := provider.AllRestricted(ctx, nil, true)
		if err != nil {
			return nil, err
		}
		for _, res := range all {
			for _, group := range res.Perms().AllGroups() {
				index[group] = append(index[group], res)
			}
		}
	}
	return index, nil
}

func (r *Resolver) isAdmin(roleNames []string) bool {
	for _, name := range roleNames {
		if _, ok := r.adminSet[name]; ok {
			return true
		}
	}
	return false
}

func addAll(up *domain.UserPermission, resources []domain.AccessControlled) {
	for _, res := range resources {
		up.AddResource(res)
	}
}

func lowercaseAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
