package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "completion-sweep", time.Minute)
	b := NewRedisLock(client, "completion-sweep", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder should not acquire a held lock")

	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock should be free after release")
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "webhook-drain", time.Minute)
	b := NewRedisLock(client, "webhook-drain", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// b never owned the lock, so its Release must be a no-op.
	require.NoError(t, b.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a's lock must survive b's release")
}

func TestRedisLockExpires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "sweep", 50*time.Millisecond)
	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(100 * time.Millisecond)

	b := NewRedisLock(client, "sweep", time.Minute)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be acquirable")
}

func TestRedisLockExtend(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "drain", 50*time.Millisecond)
	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, time.Minute))
	mr.FastForward(100 * time.Millisecond)

	b := NewRedisLock(client, "drain", time.Minute)
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "extended lock should still be held")
}
