package permsource

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/terraconstructs/authzd/internal/domain"
)

func TestSource_ComputeExplicitGroups(t *testing.T) {
	s := New()
	p := s.Compute(DeclaredRules{
		Groups: map[domain.Authorization][]string{domain.Read: {"team-a"}},
	}, nil)
	assert.ElementsMatch(t, []string{"team-a"}, p.Get(domain.Read))
}

func TestSource_ComputeGroupPrefixRule(t *testing.T) {
	s := New()
	p := s.Compute(DeclaredRules{
		PrefixRules: []GroupPrefixRule{
			{Authorization: domain.Write, Expression: `Group matches "^platform-"`},
		},
	}, []string{"platform-core", "platform-edge", "other-team"})
	assert.ElementsMatch(t, []string{"platform-core", "platform-edge"}, p.Get(domain.Write))
}

func TestSource_MalformedExpressionMatchesNothing(t *testing.T) {
	s := New()
	p := s.Compute(DeclaredRules{
		PrefixRules: []GroupPrefixRule{
			{Authorization: domain.Write, Expression: `not a valid expr (((`},
		},
	}, []string{"platform-core"})
	assert.Empty(t, p.Get(domain.Write))
	assert.False(t, p.IsRestricted())
}

func TestSource_CombinesExplicitAndPrefix(t *testing.T) {
	s := New()
	p := s.Compute(DeclaredRules{
		Groups: map[domain.Authorization][]string{domain.Read: {"team-a"}},
		PrefixRules: []GroupPrefixRule{
			{Authorization: domain.Read, Expression: `Group matches "^platform-"`},
		},
	}, []string{"platform-core"})
	assert.ElementsMatch(t, []string{"team-a", "platform-core"}, p.Get(domain.Read))
}
