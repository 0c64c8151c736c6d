package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// DefaultTTL is the safety fence on scheduling locks. It must exceed the
// worst-case scheduling path (DB round-trips plus queue enqueue) so that a
// crashed holder cannot block a (lead, type) journey for long.
const DefaultTTL = 30 * time.Second

// ErrNotAcquired is returned by WithLock when the lock could not be taken
// within the configured retries. Callers treat it as a concurrent-scheduling
// signal, not a failure.
var ErrNotAcquired = errors.New("distlock: lock not acquired")

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// Options tunes WithLock acquisition behavior.
type Options struct {
	TTL         time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	return o
}

// WithLock acquires the lock for key, runs fn, and releases the lock on the
// way out even when fn fails. Acquisition retries with linear-growth backoff
// (base × attempt). If the lock is never acquired, ErrNotAcquired is
// returned and fn does not run.
func WithLock(ctx context.Context, redisClient *redis.Client, db *sql.DB, key string, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	lock := NewLock(redisClient, db, key, opts.TTL)

	acquired := false
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			acquired = true
			break
		}
		if attempt == opts.MaxRetries {
			break
		}
		backoff := time.Duration(attempt) * opts.BaseBackoff
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if !acquired {
		return ErrNotAcquired
	}

	defer func() {
		// Release on a fresh context so a cancelled caller still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lock.Release(releaseCtx)
	}()

	return fn(ctx)
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped.
// The lock is automatically released if the DB connection drops, providing
// crash-safety similar to Redis TTL expiration.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
