// Package ratelimit provides atomic fixed-window rate limiting on Redis.
// All checks go through Lua scripts so the read-check-increment sequence
// cannot race between worker hosts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beaconmail/beacon/internal/pkg/logger"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter enforces fixed-window quotas keyed by an arbitrary string
// (tenant ID, provider name). Windows are aligned to wall-clock boundaries,
// so a burst at the edge of two adjacent windows can briefly see up to 2x
// the quota. That is an accepted property of the fixed-window scheme.
type Limiter struct {
	redis  *redis.Client
	window time.Duration
	script *redis.Script
}

// Atomically checks the counter against the limit and increments only when
// the whole batch fits. Returns {allowed, newCount}.
const fixedWindowScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewLimiter creates a fixed-window limiter with the given window size.
func NewLimiter(client *redis.Client, window time.Duration) *Limiter {
	return &Limiter{
		redis:  client,
		window: window,
		script: redis.NewScript(fixedWindowScript),
	}
}

// NewLimiterFromURL connects to Redis and returns a limiter, verifying the
// connection with a ping.
func NewLimiterFromURL(redisURL string, window time.Duration) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewLimiter(client, window), nil
}

// Check atomically consumes n units of quota for key in the current window.
// When the batch does not fit, nothing is consumed and the caller should
// retry after ResetAt.
func (l *Limiter) Check(ctx context.Context, key string, n, quota int64) (Decision, error) {
	now := time.Now()
	windowStart := now.Truncate(l.window)
	resetAt := windowStart.Add(l.window)

	bucketKey := fmt.Sprintf("beacon:ratelimit:%s:%d", key, windowStart.Unix())
	// TTL one extra window so late readers still see the counter.
	ttl := int64(l.window.Seconds()) * 2

	result, err := l.script.Run(ctx, l.redis, []string{bucketKey}, n, quota, ttl).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	allowed := result[0].(int64) == 1
	count := result[1].(int64)

	remaining := quota - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

// Usage returns the consumed count for key in the current window without
// incrementing.
func (l *Limiter) Usage(ctx context.Context, key string) (int64, error) {
	windowStart := time.Now().Truncate(l.window)
	bucketKey := fmt.Sprintf("beacon:ratelimit:%s:%d", key, windowStart.Unix())

	count, err := l.redis.Get(ctx, bucketKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}

// ProviderThrottle caps outbound provider API calls per minute across all
// tenants. A denied check means the dispatcher should back off until the
// minute rolls over, not fail the send.
type ProviderThrottle struct {
	limiter   *Limiter
	perMinute int64
}

// NewProviderThrottle wraps client with a per-minute cap for each provider name.
func NewProviderThrottle(client *redis.Client, perMinute int) *ProviderThrottle {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &ProviderThrottle{
		limiter:   NewLimiter(client, time.Minute),
		perMinute: int64(perMinute),
	}
}

// Reserve consumes n provider slots. On Redis failure it fails open: a
// throttle outage must not halt dispatch, the provider enforces its own
// limits as the backstop.
func (p *ProviderThrottle) Reserve(ctx context.Context, provider string, n int) (bool, time.Duration) {
	dec, err := p.limiter.Check(ctx, "provider:"+provider, int64(n), p.perMinute)
	if err != nil {
		logger.Warn("provider throttle check failed, allowing", "provider", provider, "error", err)
		return true, 0
	}
	if !dec.Allowed {
		return false, time.Until(dec.ResetAt)
	}
	return true, 0
}
