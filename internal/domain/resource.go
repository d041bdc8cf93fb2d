package domain

import "strings"

// Resource is the common surface of every resource variant: a
// case-insensitive name and the tag identifying which variant it is.
type Resource interface {
	ResourceName() string
	Kind() ResourceType
}

// AccessControlled is a Resource whose Permissions gate who may act on
// it.
type AccessControlled interface {
	Resource
	Perms() Permissions
}

// key is the case-insensitive identity used for set membership and
// lookups.
func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Account is an AccessControlled resource representing a cloud account.
type Account struct {
	Name        string
	Permissions Permissions
}

func (a Account) ResourceName() string { return a.Name }
func (a Account) Kind() ResourceType   { return ResourceTypeAccount }
func (a Account) Perms() Permissions   { return a.Permissions }
func (a Account) Key() string          { return key(a.Name) }

// BuildService is an AccessControlled resource representing a CI/CD
// service.
type BuildService struct {
	Name        string
	Permissions Permissions
}

func (b BuildService) ResourceName() string { return b.Name }
func (b BuildService) Kind() ResourceType   { return ResourceTypeBuildService }
func (b BuildService) Perms() Permissions   { return b.Permissions }
func (b BuildService) Key() string          { return key(b.Name) }

// Application is an AccessControlled resource. A prefix entry's Name ends
// with a trailing "*"; prefix entries never survive into a final
// ResourceProvider output (§4.2).
type Application struct {
	Name        string
	Permissions Permissions
}

func (a Application) ResourceName() string { return a.Name }
func (a Application) Kind() ResourceType   { return ResourceTypeApplication }
func (a Application) Perms() Permissions   { return a.Permissions }
func (a Application) Key() string          { return key(a.Name) }

// IsPrefixEntry reports whether Name is a trailing-wildcard prefix
// pattern.
func (a Application) IsPrefixEntry() bool { return strings.HasSuffix(a.Name, "*") }

// Stem is Name with its trailing "*" removed. Only meaningful for prefix
// entries.
func (a Application) Stem() string { return strings.TrimSuffix(a.Name, "*") }

// ServiceAccount is a Resource (not AccessControlled: it does not gate
// access to itself) that also acts as a valid "user" whose effective
// roles are its MemberOf list rather than an identity-provider lookup
// (§4.4 "Service accounts as users").
type ServiceAccount struct {
	Name     string
	MemberOf []string
}

func (s ServiceAccount) ResourceName() string { return s.Name }
func (s ServiceAccount) Kind() ResourceType   { return ResourceTypeServiceAccount }
func (s ServiceAccount) Key() string          { return key(s.Name) }

// Role is a Resource representing a group/role membership fact. Source
// distinguishes roles supplied by the identity provider from ones tagged
// EXTERNAL by a caller (§4.3).
type Role struct {
	Name   string
	Source string
}

const RoleSourceExternal = "EXTERNAL"

func (r Role) ResourceName() string { return r.Name }
func (r Role) Kind() ResourceType   { return ResourceTypeRole }
func (r Role) Key() string          { return key(r.Name) }

// Extension is the catch-all AccessControlled variant for resource types
// registered by extensions at start-up. The core never interprets Body;
// it only carries Permissions through the pipeline.
type Extension struct {
	Name        string
	Type        ResourceType
	Permissions Permissions
	Body        map[string]any
}

func (e Extension) ResourceName() string { return e.Name }
func (e Extension) Kind() ResourceType   { return e.Type }
func (e Extension) Perms() Permissions   { return e.Permissions }
func (e Extension) Key() string          { return key(e.Name) }
