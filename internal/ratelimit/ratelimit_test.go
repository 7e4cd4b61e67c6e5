package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, window), mr
}

func TestCheckConsumesQuota(t *testing.T) {
	l, _ := newTestLimiter(t, time.Hour)
	ctx := context.Background()

	dec, err := l.Check(ctx, "tenant:42", 10, 100)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(90), dec.Remaining)
	assert.False(t, dec.ResetAt.IsZero())

	dec, err = l.Check(ctx, "tenant:42", 90, 100)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(0), dec.Remaining)
}

func TestCheckDeniesWithoutPartialConsume(t *testing.T) {
	l, _ := newTestLimiter(t, time.Hour)
	ctx := context.Background()

	dec, err := l.Check(ctx, "tenant:7", 95, 100)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// Batch of 10 does not fit in the remaining 5: deny and consume nothing.
	dec, err = l.Check(ctx, "tenant:7", 10, 100)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(5), dec.Remaining)

	usage, err := l.Usage(ctx, "tenant:7")
	require.NoError(t, err)
	assert.Equal(t, int64(95), usage, "denied check must not increment")

	// A batch that fits still goes through.
	dec, err = l.Check(ctx, "tenant:7", 5, 100)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestCheckIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(t, time.Hour)
	ctx := context.Background()

	dec, err := l.Check(ctx, "tenant:a", 100, 100)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Check(ctx, "tenant:b", 1, 100)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "tenants must not share windows")
}

func TestCheckConcurrentNeverOversells(t *testing.T) {
	l, _ := newTestLimiter(t, time.Hour)
	ctx := context.Background()

	const quota = 50
	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Check(ctx, "tenant:hot", 1, quota)
			if err == nil && dec.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(quota), allowed)
}

func TestWindowResets(t *testing.T) {
	// A short window and a bucket key check: after the window TTL passes the
	// old counter expires and the next window starts from zero.
	l, mr := newTestLimiter(t, time.Second)
	ctx := context.Background()

	dec, err := l.Check(ctx, "tenant:9", 5, 5)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	mr.FastForward(3 * time.Second)

	windowStart := time.Now().Truncate(time.Second)
	oldKey := fmt.Sprintf("beacon:ratelimit:tenant:9:%d", windowStart.Add(-3*time.Second).Unix())
	assert.False(t, mr.Exists(oldKey), "expired window counter should be gone")
}

func TestProviderThrottleBackoff(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pt := NewProviderThrottle(client, 10)
	ctx := context.Background()

	ok, wait := pt.Reserve(ctx, "ses", 10)
	assert.True(t, ok)
	assert.Zero(t, wait)

	ok, wait = pt.Reserve(ctx, "ses", 1)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)

	// A different provider has its own bucket.
	ok, _ = pt.Reserve(ctx, "http", 1)
	assert.True(t, ok)
}

func TestProviderThrottleFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pt := NewProviderThrottle(client, 10)
	mr.Close()

	ok, wait := pt.Reserve(context.Background(), "ses", 1)
	assert.True(t, ok, "throttle outage must not block dispatch")
	assert.Zero(t, wait)
}
