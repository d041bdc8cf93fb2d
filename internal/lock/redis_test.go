package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLock(client), mr
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	l, _ := newTestRedisLock(t)
	ctx := context.Background()

	token, ok, err := l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	require.NoError(t, l.Release(ctx, "sync", token))

	_, ok, err = l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free again after release")
}

func TestRedisLock_SecondAcquireFailsWhileHeld(t *testing.T) {
	l, _ := newTestRedisLock(t)
	ctx := context.Background()

	_, ok, err := l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLock_ReleaseWithWrongTokenFails(t *testing.T) {
	l, _ := newTestRedisLock(t)
	ctx := context.Background()

	_, ok, err := l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = l.Release(ctx, "sync", "not-the-real-token")
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestRedisLock_ExpiresAfterMaxDuration(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx := context.Background()

	_, ok, err := l.TryAcquire(ctx, "sync", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(100 * time.Millisecond)

	_, ok, err = l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be acquirable again once its PX expires")
}
