// Package identity resolves a user id to the set of group/role
// memberships an identity provider reports for it (§4.3
// UserRolesProvider). It is deliberately thin: every lookup goes straight
// to the Source, and the package adds no refresh cadence, retry, circuit
// breaker or health tracking of its own.
package identity

import (
	"context"
	"strings"

	"github.com/terraconstructs/authzd/internal/domain"
)

// Source is the external collaborator: an identity provider, directory
// service, or similar.
type Source interface {
	// LoadRoles returns the roles held by userID. A nil slice and a nil
	// error both mean "the identity provider has no record of this user
	// at all" (absent), distinct from an empty, non-nil slice meaning
	// "the user exists and holds zero roles" (§4.3 edge case).
	LoadRoles(ctx context.Context, userID string) ([]domain.Role, error)
	// LoadRolesForMany batches LoadRoles across users when the backing
	// identity provider supports it. Implementations that cannot batch
	// should fall back to calling LoadRoles per user.
	LoadRolesForMany(ctx context.Context, userIDs []string) (map[string][]domain.Role, error)
}

// Provider is the UserRolesProvider: it exposes single and batch role
// lookups, folding every role name to lowercase on the way out so
// downstream group-comparisons never need to re-normalize.
type Provider struct {
	source Source
}

func New(source Source) *Provider {
	return &Provider{source: source}
}

// LoadRoles returns the case-folded roles held by userID, and whether
// the identity provider has any record of the user at all (false means
// absent, not merely empty).
func (p *Provider) LoadRoles(ctx context.Context, userID string) ([]domain.Role, bool, error) {
	roles, err := p.source.LoadRoles(ctx, userID)
	if err != nil {
		return nil, false, &domain.ProviderError{Source: "identity", Cause: err}
	}
	if roles == nil {
		return nil, false, nil
	}
	return foldRoles(roles), true, nil
}

// MultiLoadRoles batches LoadRoles across userIDs. Users absent from the
// result map had no identity-provider record; users present with an
// empty slice hold zero roles.
func (p *Provider) MultiLoadRoles(ctx context.Context, userIDs []string) (map[string][]domain.Role, error) {
	byUser, err := p.source.LoadRolesForMany(ctx, userIDs)
	if err != nil {
		return nil, &domain.ProviderError{Source: "identity", Cause: err}
	}
	out := make(map[string][]domain.Role, len(byUser))
	for id, roles := range byUser {
		if roles == nil {
			continue
		}
		out[id] = foldRoles(roles)
	}
	return out, nil
}

func foldRoles(roles []domain.Role) []domain.Role {
	out := make([]domain.Role, len(roles))
	for i, r := range roles {
		out[i] = domain.Role{Name: strings.ToLower(strings.TrimSpace(r.Name)), Source: r.Source}
	}
	return out
}

// ExternalRoles case-folds each name and tags it as
// domain.RoleSourceExternal; the httpapi PUT roles handler uses it to
// build an externally-supplied user's role list (§4.3).
func ExternalRoles(names []string) []domain.Role {
	out := make([]domain.Role, len(names))
	for i, n := range names {
		out[i] = domain.Role{Name: strings.ToLower(strings.TrimSpace(n)), Source: domain.RoleSourceExternal}
	}
	return out
}
