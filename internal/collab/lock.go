package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockWait     = 10 * time.Second
	lockPollInterval    = 50 * time.Millisecond
	defaultLockTTL      = 30 * time.Second
	canvasLockKeyPrefix = "canvas-lock:"
)

// ErrLockHeld is returned when a lock could not be acquired before the wait
// expired.
var ErrLockHeld = errors.New("collab: canvas lock held by another session")

// Lock is a held mutual-exclusion lease.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants leases on named keys. A lease expires after ttl even when the
// holder never releases it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes programmatic editors across instances with
// SET NX PX leases.
type RedisLocker struct {
	client *redis.Client
	wait   time.Duration
}

// NewRedisLocker constructs a locker that waits up to wait for a lease. A
// non-positive wait selects the default.
func NewRedisLocker(client *redis.Client, wait time.Duration) *RedisLocker {
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &RedisLocker{client: client, wait: wait}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	start := time.Now()
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			lockWait.Observe(time.Since(start).Seconds())
			return &redisLock{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			lockContention.Inc()
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

// Release deletes the lease only if it is still ours.
func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// MemoryLocker is a process-local Locker for single-instance deployments and
// tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	wait   time.Duration
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs a process-local locker.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &MemoryLocker{leases: make(map[string]memoryLease), wait: wait}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		if l.tryAcquire(key, token, ttl) {
			return &memoryLock{locker: l, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			lockContention.Inc()
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if lease, ok := l.leases[key]; ok && now.Before(lease.expires) {
		return false
	}
	l.leases[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return true
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLock) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if lease, ok := l.locker.leases[l.key]; ok && lease.token == l.token {
		delete(l.locker.leases, l.key)
	}
	return nil
}
