package domain

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Factory builds a Resource of a registered ResourceType from its
// already-JSON-decoded body. Unknown fields in body must not cause an
// error (§6 "must deserialize silently").
type Factory func(name string, body map[string]any) (Resource, error)

// ExtensionFactory builds the catch-all Extension variant for a
// ResourceType with no registered Factory.
type ExtensionFactory func(t ResourceType, name string, body map[string]any) (Resource, error)

// Registry maps ResourceType to the Factory that parses its serialized
// body. The relational and remote-k/v backends both consult the same
// Registry when materializing resources out of persisted bodies (§9).
type Registry struct {
	mu        sync.RWMutex
	factories map[ResourceType]Factory
	extension ExtensionFactory
}

// NewRegistry returns a Registry pre-populated with literal-permissions
// factories for the five well-known resource types. A component that
// evaluates declared group-prefix rules (permsource.Source) overrides
// the Account/Application/BuildService factories and the extension
// fallback via Register/SetExtensionFactory; these defaults are what
// every other caller (the relational/remote-k/v backends reading back
// already-resolved bodies, and tests) gets unmodified.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[ResourceType]Factory), extension: decodeExtension}
	r.Register(ResourceTypeAccount, decodeAccount)
	r.Register(ResourceTypeApplication, decodeApplication)
	r.Register(ResourceTypeBuildService, decodeBuildService)
	r.Register(ResourceTypeServiceAccount, decodeServiceAccount)
	r.Register(ResourceTypeRole, decodeRole)
	return r
}

// Register installs or replaces the factory for t. Extension resource
// types call this at start-up; re-registering a well-known type is also
// permitted (lets an extension override default decoding).
func (r *Registry) Register(t ResourceType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// SetExtensionFactory overrides the fallback used for resource types
// with no registered Factory (default: a literal-permissions decoder).
func (r *Registry) SetExtensionFactory(f ExtensionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extension = f
}

// New decodes body into the Resource variant registered for t. Unregistered
// types fall back to the registry's ExtensionFactory.
func (r *Registry) New(t ResourceType, name string, body map[string]any) (Resource, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	ext := r.extension
	r.mu.RUnlock()
	if !ok {
		return ext(t, name, body)
	}
	return f(name, body)
}

func decodePermissions(body map[string]any) (Permissions, error) {
	raw, ok := body["permissions"]
	if !ok || raw == nil {
		return EmptyPermissions, nil
	}
	var fields map[string][]string
	if err := mapstructure.Decode(raw, &fields); err != nil {
		return EmptyPermissions, fmt.Errorf("decode permissions: %w", err)
	}
	grants := make(map[Authorization][]string, len(fields))
	for k, v := range fields {
		a, err := ParseAuthorization(k)
		if err != nil {
			continue // unknown authorization keys deserialize silently
		}
		grants[a] = v
	}
	return NewPermissions(grants), nil
}

func decodeAccount(name string, body map[string]any) (Resource, error) {
	perms, err := decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return Account{Name: name, Permissions: perms}, nil
}

func decodeApplication(name string, body map[string]any) (Resource, error) {
	perms, err := decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return Application{Name: name, Permissions: perms}, nil
}

func decodeBuildService(name string, body map[string]any) (Resource, error) {
	perms, err := decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return BuildService{Name: name, Permissions: perms}, nil
}

func decodeServiceAccount(name string, body map[string]any) (Resource, error) {
	var memberOf []string
	if raw, ok := body["memberOf"]; ok && raw != nil {
		if err := mapstructure.Decode(raw, &memberOf); err != nil {
			return nil, fmt.Errorf("decode memberOf: %w", err)
		}
	}
	return ServiceAccount{Name: name, MemberOf: memberOf}, nil
}

func decodeRole(name string, body map[string]any) (Resource, error) {
	source, _ := body["source"].(string)
	return Role{Name: name, Source: source}, nil
}

func decodeExtension(t ResourceType, name string, body map[string]any) (Resource, error) {
	perms, err := decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return Extension{Name: name, Type: t, Permissions: perms, Body: body}, nil
}
