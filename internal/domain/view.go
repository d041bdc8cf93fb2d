package domain

// ResourceView is the public per-resource projection: a name and the
// authorizations the subject holds on it.
type ResourceView struct {
	Name           string         `json:"name"`
	Authorizations []Authorization `json:"authorizations"`
}

// View is the externally exposed projection of a UserPermission, computed
// by intersecting the subject's roles against each resource's
// Permissions.
type View struct {
	ID              string         `json:"id"`
	IsAdmin         bool           `json:"isAdmin"`
	Accounts        []ResourceView `json:"accounts"`
	Applications    []ResourceView `json:"applications"`
	BuildServices   []ResourceView `json:"buildServices"`
	ServiceAccounts []ResourceView `json:"serviceAccounts"`
	Roles           []ResourceView `json:"roles"`
}

// NewView projects u through userGroups. When u.IsAdmin (or u is the
// unrestricted record) every authorization on a resource is already
// implied by its Permissions having been filtered at resolve time, so
// userGroups here only decides the authorization subset shown per
// resource; resources are already the ones the subject is allowed to see.
func NewView(u *UserPermission, userGroups []string) *View {
	v := &View{ID: u.ID, IsAdmin: u.IsAdmin}
	v.Accounts = viewAccessControlled(mapValuesAC(u.Accounts), userGroups)
	v.Applications = viewAccessControlled(mapValuesAC(u.Applications), userGroups)
	v.BuildServices = viewAccessControlled(mapValuesAC(u.BuildServices), userGroups)
	v.Roles = viewPlain(u.Roles)
	v.ServiceAccounts = viewServiceAccounts(u.ServiceAccounts)
	return v
}

func mapValuesAC[T AccessControlled](m map[string]T) []AccessControlled {
	out := make([]AccessControlled, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func viewAccessControlled(resources []AccessControlled, userGroups []string) []ResourceView {
	out := make([]ResourceView, 0, len(resources))
	for _, r := range resources {
		out = append(out, ResourceView{
			Name:           r.ResourceName(),
			Authorizations: r.Perms().GetAuthorizations(userGroups),
		})
	}
	return out
}

func viewPlain(roles map[string]Role) []ResourceView {
	out := make([]ResourceView, 0, len(roles))
	for _, r := range roles {
		out = append(out, ResourceView{Name: r.Name})
	}
	return out
}

func viewServiceAccounts(sas map[string]ServiceAccount) []ResourceView {
	out := make([]ResourceView, 0, len(sas))
	for _, sa := range sas {
		out = append(out, ResourceView{Name: sa.Name})
	}
	return out
}
