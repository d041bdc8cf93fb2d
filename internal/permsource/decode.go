package permsource

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/terraconstructs/authzd/internal/domain"
)

// rawGroupPrefixRule is the wire shape of one body["groupPrefixRules"]
// entry: an authorization name plus the go-bexpr expression it grants to
// every matching group in body["groupUniverse"].
type rawGroupPrefixRule struct {
	Authorization string
	Expression    string
}

// DecodeAccount, DecodeApplication, and DecodeBuildService are
// domain.Factory-shaped decoders backed by Source.Compute, so a body
// carrying "groupPrefixRules" actually has them evaluated into the
// resource's Permissions instead of being ignored (§2 item 4
// "ResourcePermissionSource / Provider").
func (s *Source) DecodeAccount(name string, body map[string]any) (domain.Resource, error) {
	perms, err := s.decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return domain.Account{Name: name, Permissions: perms}, nil
}

func (s *Source) DecodeApplication(name string, body map[string]any) (domain.Resource, error) {
	perms, err := s.decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return domain.Application{Name: name, Permissions: perms}, nil
}

func (s *Source) DecodeBuildService(name string, body map[string]any) (domain.Resource, error) {
	perms, err := s.decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return domain.BuildService{Name: name, Permissions: perms}, nil
}

// DecodeExtension is a domain.ExtensionFactory backed by Source.Compute,
// used as a Registry's extension fallback.
func (s *Source) DecodeExtension(t domain.ResourceType, name string, body map[string]any) (domain.Resource, error) {
	perms, err := s.decodePermissions(body)
	if err != nil {
		return nil, err
	}
	return domain.Extension{Name: name, Type: t, Permissions: perms, Body: body}, nil
}

// RegisterFactories installs s-backed, prefix-rule-aware factories for
// the three AccessControlled well-known types onto r, overriding
// domain.NewRegistry's literal-only defaults, and as r's extension
// fallback for unregistered types (§9 "Extension resource types"). Call
// this once on the Registry shared with the live resource loaders so
// the group-prefix evaluator this package builds actually sits on the
// ingestion path instead of only being exercised by its own tests.
func (s *Source) RegisterFactories(r *domain.Registry) {
	r.Register(domain.ResourceTypeAccount, s.DecodeAccount)
	r.Register(domain.ResourceTypeApplication, s.DecodeApplication)
	r.Register(domain.ResourceTypeBuildService, s.DecodeBuildService)
	r.SetExtensionFactory(s.DecodeExtension)
}

// decodePermissions parses body["permissions"] (literal
// authorization -> groups grants) plus an optional
// body["groupPrefixRules"] ([{authorization, expression}]) evaluated
// against body["groupUniverse"] (the candidate groups the
// system-of-record reports as known for this resource), and returns the
// resulting Permissions via Compute. A body with no prefix rules decodes
// identically to domain's stdlib-only literal decoder.
func (s *Source) decodePermissions(body map[string]any) (domain.Permissions, error) {
	var fields map[string][]string
	if raw, ok := body["permissions"]; ok && raw != nil {
		if err := mapstructure.Decode(raw, &fields); err != nil {
			return domain.EmptyPermissions, fmt.Errorf("decode permissions: %w", err)
		}
	}
	grants := make(map[domain.Authorization][]string, len(fields))
	for k, v := range fields {
		a, err := domain.ParseAuthorization(k)
		if err != nil {
			continue // unknown authorization keys deserialize silently
		}
		grants[a] = v
	}

	rawRules, ok := body["groupPrefixRules"]
	if !ok || rawRules == nil {
		return domain.NewPermissions(grants), nil
	}
	var decodedRules []rawGroupPrefixRule
	if err := mapstructure.Decode(rawRules, &decodedRules); err != nil {
		return domain.EmptyPermissions, fmt.Errorf("decode groupPrefixRules: %w", err)
	}
	if len(decodedRules) == 0 {
		return domain.NewPermissions(grants), nil
	}

	rules := make([]GroupPrefixRule, 0, len(decodedRules))
	for _, d := range decodedRules {
		a, err := domain.ParseAuthorization(d.Authorization)
		if err != nil {
			continue
		}
		rules = append(rules, GroupPrefixRule{Authorization: a, Expression: d.Expression})
	}

	var universe []string
	if raw, ok := body["groupUniverse"]; ok && raw != nil {
		if err := mapstructure.Decode(raw, &universe); err != nil {
			return domain.EmptyPermissions, fmt.Errorf("decode groupUniverse: %w", err)
		}
	}

	return s.Compute(DeclaredRules{Groups: grants, PrefixRules: rules}, universe), nil
}
