package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissions_CaseAndWhitespaceInsensitive(t *testing.T) {
	p := NewPermissions(map[Authorization][]string{
		Read: {" Team-A ", "team-a", "TEAM-A"},
	})
	assert.Equal(t, []string{"team-a"}, p.AllGroups())
	assert.True(t, p.IsRestricted())
}

func TestPermissions_GetAuthorizations_Restricted(t *testing.T) {
	p := NewPermissions(map[Authorization][]string{
		Read:  {"group1"},
		Write: {"group2"},
	})

	assert.ElementsMatch(t, []Authorization{Write}, p.GetAuthorizations([]string{"group2"}))
	assert.ElementsMatch(t, []Authorization{Read, Write}, p.GetAuthorizations([]string{"group1", "group2"}))
	assert.Empty(t, p.GetAuthorizations([]string{"unrelated"}))
}

func TestPermissions_GetAuthorizations_Unrestricted(t *testing.T) {
	p := EmptyPermissions
	assert.ElementsMatch(t, AllAuthorizations, p.GetAuthorizations(nil))
}

func TestCombinePermissions_PrefixExtraction(t *testing.T) {
	entry := NewPermissions(map[Authorization][]string{
		Execute: {"new_team"},
		Read:    {"new_team"},
	})
	wildcard := NewPermissions(map[Authorization][]string{
		Create:  {"power_group"},
		Delete:  {"power_group"},
		Write:   {"power_group"},
		Execute: {"power_group"},
	})
	unicornPrefix := NewPermissions(map[Authorization][]string{
		Write:   {"unicorn_team"},
		Execute: {"unicorn_team"},
	})

	unicornAPI := CombinePermissions(EmptyPermissions, wildcard, unicornPrefix)
	assert.ElementsMatch(t, []string{"power_group", "unicorn_team"}, unicornAPI.Get(Write))
	assert.ElementsMatch(t, []string{"power_group", "unicorn_team"}, unicornAPI.Get(Execute))

	newApp := CombinePermissions(entry, wildcard)
	assert.ElementsMatch(t, []string{"power_group", "new_team"}, newApp.Get(Execute))
}

func TestPermissions_ExecuteFallback(t *testing.T) {
	p := NewPermissions(map[Authorization][]string{Read: {"group1"}})
	withFallback := p.WithExecuteFallback(Read)
	require.ElementsMatch(t, []string{"group1"}, withFallback.Get(Execute))

	// Already-populated EXECUTE is untouched.
	p2 := NewPermissions(map[Authorization][]string{Read: {"a"}, Execute: {"b"}})
	assert.ElementsMatch(t, []string{"b"}, p2.WithExecuteFallback(Read).Get(Execute))

	// Pure-unrestricted entries are not touched.
	assert.False(t, EmptyPermissions.WithExecuteFallback(Read).IsRestricted())
}

func TestParseResourceType_AcceptsCompositeAndPlural(t *testing.T) {
	rt, err := ParseResourceType("gate:applications")
	require.NoError(t, err)
	assert.Equal(t, ResourceTypeApplication, rt)

	rt, err = ParseResourceType("roles")
	require.NoError(t, err)
	assert.Equal(t, ResourceTypeRole, rt)
}

func TestParseAuthorization_CaseInsensitive(t *testing.T) {
	a, err := ParseAuthorization("read")
	require.NoError(t, err)
	assert.Equal(t, Read, a)

	_, err = ParseAuthorization("bogus")
	require.Error(t, err)
}
