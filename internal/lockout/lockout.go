// Package lockout tracks failed logins per key (hashed email, client IP)
// with TTL-bound state, so every server instance shares one view.
package lockout

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Policy struct {
	MaxFailures int
	Window      time.Duration
	Lockout     time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxFailures <= 0 {
		p.MaxFailures = 5
	}
	if p.Window <= 0 {
		p.Window = 15 * time.Minute
	}
	if p.Lockout <= 0 {
		p.Lockout = 15 * time.Minute
	}
	return p
}

type Limiter interface {
	// Locked reports whether key is locked and for how much longer.
	Locked(ctx context.Context, key string) (bool, time.Duration, error)
	// Fail records a failure and reports whether key is now locked.
	Fail(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

type RedisLimiter struct {
	client redis.Cmdable
	policy Policy
}

func NewRedisLimiter(client redis.Cmdable, policy Policy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy.normalized()}
}

func failKey(key string) string { return "login_fail:" + key }
func lockKey(key string) string { return "login_lock:" + key }

func (l *RedisLimiter) Locked(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, lockKey(key)).Result()
	if err != nil {
		return false, 0, err
	}
	// PTTL is -2 for a missing key and -1 for one without expiry.
	if ttl == -1 {
		return true, l.policy.Lockout, nil
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

func (l *RedisLimiter) Fail(ctx context.Context, key string) (bool, error) {
	count, err := l.client.Incr(ctx, failKey(key)).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, failKey(key), l.policy.Window).Err(); err != nil {
			return false, err
		}
	}
	if count < int64(l.policy.MaxFailures) {
		return false, nil
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, lockKey(key), count, l.policy.Lockout)
		pipe.Del(ctx, failKey(key))
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, failKey(key), lockKey(key)).Err()
}

// MemoryLimiter keeps the same semantics in process. It is meant for tests
// and single-instance development only.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	failures    int
	windowEnds  time.Time
	lockedUntil time.Time
}

func NewMemoryLimiter(policy Policy, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{policy: policy.normalized(), now: now, entries: make(map[string]*memoryEntry)}
}

func (l *MemoryLimiter) Locked(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return false, 0, nil
	}
	now := l.now()
	if now.Before(entry.lockedUntil) {
		return true, entry.lockedUntil.Sub(now), nil
	}
	if !now.Before(entry.windowEnds) {
		delete(l.entries, key)
	}
	return false, 0, nil
}

func (l *MemoryLimiter) Fail(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry, ok := l.entries[key]
	if !ok || (!now.Before(entry.windowEnds) && !now.Before(entry.lockedUntil)) {
		entry = &memoryEntry{windowEnds: now.Add(l.policy.Window)}
		l.entries[key] = entry
	}
	entry.failures++
	if entry.failures >= l.policy.MaxFailures {
		entry.lockedUntil = now.Add(l.policy.Lockout)
		entry.failures = 0
		entry.windowEnds = entry.lockedUntil
		return true, nil
	}
	return false, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
