// Package distlock provides best-effort distributed locks used to keep
// singleton background jobs (completion sweeps, webhook drains) from running
// on more than one worker host at a time.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a distributed mutual-exclusion primitive. A Lock instance is owned
// by a single goroutine; share the backend, not the Lock.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives up the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// New returns a lock backed by Redis when a client is available, otherwise a
// PostgreSQL advisory lock. Redis is preferred because the TTL survives a
// hung process, not just a dropped connection.
func New(redisClient *redis.Client, db *sql.DB, name string, ttl time.Duration) Lock {
	if redisClient != nil {
		return NewRedisLock(redisClient, name, ttl)
	}
	return NewAdvisoryLock(db, name)
}

// AdvisoryLock implements Lock on pg_try_advisory_lock. Advisory locks are
// session-scoped, so the lock drops with the connection if the holder dies.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewAdvisoryLock derives a stable 64-bit lock ID from name.
func NewAdvisoryLock(db *sql.DB, name string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&ok)
	return ok, err
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
