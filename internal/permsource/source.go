// Package permsource computes a resource's structured domain.Permissions
// from its raw declared access rules: an explicit authorization→groups
// map, plus an optional group-prefix expression evaluated against the
// caller-supplied candidate group universe (§2 item 4,
// "ResourcePermissionSource / Provider").
//
// A resource loader's Source typically calls Compute once per resource
// while building the domain.Resource variants it hands to
// resourceloader.Loader; the result becomes that resource's
// Permissions field.
package permsource

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-bexpr"

	"github.com/terraconstructs/authzd/internal/domain"
)

// GroupPrefixRule grants an authorization to every group in the
// candidate universe matching a boolean go-bexpr expression evaluated
// against {Group: <candidate>}, e.g. `Group matches "^platform-"`.
type GroupPrefixRule struct {
	Authorization domain.Authorization
	Expression    string
}

// DeclaredRules is one resource's raw, as-authored access rules: a
// literal group list per authorization plus zero or more group-prefix
// rules.
type DeclaredRules struct {
	Groups       map[domain.Authorization][]string
	PrefixRules  []GroupPrefixRule
}

type groupFact struct {
	Group string
}

// Source evaluates DeclaredRules into domain.Permissions, caching
// compiled bexpr evaluators across calls.
type Source struct {
	evaluators sync.Map // expression string -> *bexpr.Evaluator
}

func New() *Source {
	return &Source{}
}

// Compute evaluates rules against candidateGroups (typically every
// group name known to the current role universe) and returns the
// resulting Permissions. A malformed expression is treated as matching
// nothing, not as an error, so one bad rule cannot make an entire
// resource inventory unloadable.
func (s *Source) Compute(rules DeclaredRules, candidateGroups []string) domain.Permissions {
	grants := make(map[domain.Authorization][]string, len(rules.Groups)+len(rules.PrefixRules))
	for auth, groups := range rules.Groups {
		grants[auth] = append(grants[auth], groups...)
	}
	for _, rule := range rules.PrefixRules {
		matched := s.matchingGroups(rule.Expression, candidateGroups)
		grants[rule.Authorization] = append(grants[rule.Authorization], matched...)
	}
	return domain.NewPermissions(grants)
}

func (s *Source) matchingGroups(expression string, candidates []string) []string {
	if strings.TrimSpace(expression) == "" {
		return nil
	}
	evaluator, err := s.evaluator(expression)
	if err != nil {
		return nil
	}
	var out []string
	for _, g := range candidates {
		matches, err := evaluator.Evaluate(groupFact{Group: g})
		if err != nil {
			continue
		}
		if matches {
			out = append(out, g)
		}
	}
	return out
}

func (s *Source) evaluator(expression string) (*bexpr.Evaluator, error) {
	if cached, ok := s.evaluators.Load(expression); ok {
		return cached.(*bexpr.Evaluator), nil
	}
	evaluator, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return nil, fmt.Errorf("compile group-prefix expression %q: %w", expression, err)
	}
	s.evaluators.Store(expression, evaluator)
	return evaluator, nil
}
