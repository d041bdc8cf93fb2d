package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/authzd/internal/domain"
)

func TestDualBackend_GetFallsThroughToPrevious(t *testing.T) {
	primary := NewInMemoryBackend(clockSeq())
	previous := NewInMemoryBackend(clockSeq())
	ctx := context.Background()

	legacy := domain.NewUserPermission("alice")
	legacy.AddResource(domain.Account{Name: "prod"})
	require.NoError(t, previous.Put(ctx, legacy))

	dual := NewDualBackend(primary, previous, nil)
	got, found, err := dual.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, got.Accounts, "prod")
}

func TestDualBackend_GetFallbackIncrementsCounter(t *testing.T) {
	primary := NewInMemoryBackend(clockSeq())
	previous := NewInMemoryBackend(clockSeq())
	ctx := context.Background()

	legacy := domain.NewUserPermission("alice")
	legacy.AddResource(domain.Account{Name: "prod"})
	require.NoError(t, previous.Put(ctx, legacy))

	dual := NewDualBackend(primary, previous, nil)
	assert.Equal(t, int64(0), dual.FallbackReads())

	_, found, err := dual.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), dual.FallbackReads())

	// A primary hit does not count as a fallback.
	newer := domain.NewUserPermission("bob")
	require.NoError(t, primary.Put(ctx, newer))
	_, found, err = dual.Get(ctx, "bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), dual.FallbackReads())
}

func TestDualBackend_GetPrefersPrimaryOnCollision(t *testing.T) {
	primary := NewInMemoryBackend(clockSeq())
	previous := NewInMemoryBackend(clockSeq())
	ctx := context.Background()

	oldVersion := domain.NewUserPermission("alice")
	oldVersion.AddResource(domain.Account{Name: "staging"})
	require.NoError(t, previous.Put(ctx, oldVersion))

	newVersion := domain.NewUserPermission("alice")
	newVersion.AddResource(domain.Account{Name: "prod"})
	require.NoError(t, primary.Put(ctx, newVersion))

	dual := NewDualBackend(primary, previous, nil)
	got, found, err := dual.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, got.Accounts, "prod")
	assert.NotContains(t, got.Accounts, "staging")
}

func TestDualBackend_PutWritesBothBackends(t *testing.T) {
	primary := NewInMemoryBackend(clockSeq())
	previous := NewInMemoryBackend(clockSeq())
	ctx := context.Background()

	dual := NewDualBackend(primary, previous, nil)
	up := domain.NewUserPermission("alice")
	require.NoError(t, dual.Put(ctx, up))

	_, found, err := primary.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = previous.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
}

type erroringBackend struct {
	Backend
}

func (e *erroringBackend) Put(ctx context.Context, up *domain.UserPermission) error {
	return errors.New("previous backend unavailable")
}

func (e *erroringBackend) PutAll(ctx context.Context, byID map[string]*domain.UserPermission) error {
	return errors.New("previous backend unavailable")
}

func TestDualBackend_PreviousWriteFailureDoesNotFailPut(t *testing.T) {
	primary := NewInMemoryBackend(clockSeq())
	previous := &erroringBackend{Backend: NewInMemoryBackend(clockSeq())}
	ctx := context.Background()

	dual := NewDualBackend(primary, previous, nil)
	up := domain.NewUserPermission("alice")
	require.NoError(t, dual.Put(ctx, up))

	_, found, err := primary.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDualBackend_GetAllByIDUnionsBothWithPrimaryWinning(t *testing.T) {
	primary := NewInMemoryBackend(clockSeq())
	previous := NewInMemoryBackend(clockSeq())
	ctx := context.Background()

	onlyInPrevious := domain.NewUserPermission("bob")
	require.NoError(t, previous.Put(ctx, onlyInPrevious))

	inBoth := domain.NewUserPermission("alice")
	inBoth.AddResource(domain.Account{Name: "staging"})
	require.NoError(t, previous.Put(ctx, inBoth))

	inBothNewer := domain.NewUserPermission("alice")
	inBothNewer.AddResource(domain.Account{Name: "prod"})
	require.NoError(t, primary.Put(ctx, inBothNewer))

	dual := NewDualBackend(primary, previous, nil)
	all, err := dual.GetAllByID(ctx)
	require.NoError(t, err)
	require.Contains(t, all, "bob")
	require.Contains(t, all, "alice")
	assert.Contains(t, all["alice"].Accounts, "prod")
}

func TestDualBackend_UnrestrictedVersionDefersToPrimary(t *testing.T) {
	primary := NewInMemoryBackend(clockSeq())
	previous := NewInMemoryBackend(clockSeq())
	ctx := context.Background()

	dual := NewDualBackend(primary, previous, nil)
	v, err := dual.UnrestrictedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}
