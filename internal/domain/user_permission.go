package domain

// UnrestrictedUserID is the reserved id of the synthetic anonymous user
// whose permissions are the minimum granted to any authenticated
// session.
const UnrestrictedUserID = "__unrestricted_user__"

// UserPermission is the materialized, per-user view of every resource the
// user may act upon, across all resource kinds.
type UserPermission struct {
	ID                               string
	IsAdmin                          bool
	AllowAccessToUnknownApplications bool
	// UpdatedAt is a backend-assigned version stamp (Unix millis),
	// bumped on every put/putAll write. The unrestricted record's
	// UpdatedAt is the key the repository's single-entry cache loads
	// against (§4.5).
	UpdatedAt                        int64
	Accounts                         map[string]Account
	Applications                     map[string]Application
	BuildServices                    map[string]BuildService
	ServiceAccounts                  map[string]ServiceAccount
	Roles                            map[string]Role
	Extensions                       map[ResourceType]map[string]Extension
}

// NewUserPermission returns an empty UserPermission for id.
func NewUserPermission(id string) *UserPermission {
	return &UserPermission{
		ID:              id,
		Accounts:        make(map[string]Account),
		Applications:    make(map[string]Application),
		BuildServices:   make(map[string]BuildService),
		ServiceAccounts: make(map[string]ServiceAccount),
		Roles:           make(map[string]Role),
		Extensions:      make(map[ResourceType]map[string]Extension),
	}
}

// IsUnrestricted reports whether this is the anonymous record.
func (u *UserPermission) IsUnrestricted() bool { return u.ID == UnrestrictedUserID }

// Merge unions every resource set from other into u and ORs the admin
// flag, returning u.
func (u *UserPermission) Merge(other *UserPermission) *UserPermission {
	if other == nil {
		return u
	}
	for k, v := range other.Accounts {
		u.Accounts[k] = v
	}
	for k, v := range other.Applications {
		u.Applications[k] = v
	}
	for k, v := range other.BuildServices {
		u.BuildServices[k] = v
	}
	for k, v := range other.ServiceAccounts {
		u.ServiceAccounts[k] = v
	}
	for k, v := range other.Roles {
		u.Roles[k] = v
	}
	for t, byName := range other.Extensions {
		dst, ok := u.Extensions[t]
		if !ok {
			dst = make(map[string]Extension, len(byName))
			u.Extensions[t] = dst
		}
		for k, v := range byName {
			dst[k] = v
		}
	}
	u.IsAdmin = u.IsAdmin || other.IsAdmin
	u.AllowAccessToUnknownApplications = u.AllowAccessToUnknownApplications || other.AllowAccessToUnknownApplications
	return u
}

// Clone returns a deep-enough copy of u (new top-level maps) so that
// further mutation of the clone does not affect u.
func (u *UserPermission) Clone() *UserPermission {
	c := NewUserPermission(u.ID)
	c.IsAdmin = u.IsAdmin
	c.AllowAccessToUnknownApplications = u.AllowAccessToUnknownApplications
	c.UpdatedAt = u.UpdatedAt
	return c.Merge(u)
}

// RoleNames returns the lowercased set of role names held by u.
func (u *UserPermission) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for k := range u.Roles {
		names = append(names, k)
	}
	return names
}

// AddResource inserts r into the appropriately-typed set, keyed by its
// case-insensitive name.
func (u *UserPermission) AddResource(r Resource) {
	k := key(r.ResourceName())
	switch v := r.(type) {
	case Account:
		u.Accounts[k] = v
	case Application:
		u.Applications[k] = v
	case BuildService:
		u.BuildServices[k] = v
	case ServiceAccount:
		u.ServiceAccounts[k] = v
	case Role:
		u.Roles[k] = v
	case Extension:
		byName, ok := u.Extensions[v.Type]
		if !ok {
			byName = make(map[string]Extension)
			u.Extensions[v.Type] = byName
		}
		byName[k] = v
	}
}

// AllAccessControlled returns every AccessControlled resource held by u,
// across all resource kinds, for serialization and access-control index
// construction.
func (u *UserPermission) AllAccessControlled() []AccessControlled {
	out := make([]AccessControlled, 0, len(u.Accounts)+len(u.Applications)+len(u.BuildServices))
	for _, v := range u.Accounts {
		out = append(out, v)
	}
	for _, v := range u.Applications {
		out = append(out, v)
	}
	for _, v := range u.BuildServices {
		out = append(out, v)
	}
	for _, byName := range u.Extensions {
		for _, v := range byName {
			out = append(out, v)
		}
	}
	return out
}
