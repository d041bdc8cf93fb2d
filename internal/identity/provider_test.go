package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
)

type fakeSource struct {
	byUser map[string][]domain.Role
}

func (f fakeSource) LoadRoles(ctx context.Context, userID string) ([]domain.Role, error) {
	return f.byUser[userID], nil
}

func (f fakeSource) LoadRolesForMany(ctx context.Context, userIDs []string) (map[string][]domain.Role, error) {
	out := make(map[string][]domain.Role)
	for _, id := range userIDs {
		if roles, ok := f.byUser[id]; ok {
			out[id] = roles
		}
	}
	return out, nil
}

func TestProvider_AbsentVsEmpty(t *testing.T) {
	p := New(fakeSource{byUser: map[string][]domain.Role{
		"has-roles": {{Name: "Team-A"}},
		"no-roles":  {},
	}})

	roles, found, err := p.LoadRoles(context.Background(), "has-roles")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []domain.Role{{Name: "team-a"}}, roles)

	roles, found, err = p.LoadRoles(context.Background(), "no-roles")
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, roles)

	_, found, err = p.LoadRoles(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProvider_MultiLoadOmitsAbsentUsers(t *testing.T) {
	p := New(fakeSource{byUser: map[string][]domain.Role{
		"user1": {{Name: "Team-A"}},
	}})

	out, err := p.MultiLoadRoles(context.Background(), []string{"user1", "user2"})
	require.NoError(t, err)
	_, ok := out["user2"]
	assert.False(t, ok)
	assert.Equal(t, []domain.Role{{Name: "team-a"}}, out["user1"])
}
