package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RateLimitedError reports how long the caller must wait for the fixed
// window to reset.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RateLimiter enforces a fixed window limit per key. Allow returns nil when
// the request may proceed and a *RateLimitedError when it may not; it never
// mutates anything else, so a rejected request has no side effects.
type RateLimiter interface {
	Allow(ctx context.Context, key string) error
}

// RedisRateLimiter counts in the shared store so the window is global
// across instances. INCR plus EXPIRE on the first hit is the fixed window
// counter primitive; the key TTL is the retry-after answer.
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
}

func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, limit: int64(limit), window: window}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) error {
	// ExpireNX on every hit keeps the window anchored at the first one and
	// re-arms the expiry if an earlier process died before it was set, so a
	// counter key can never outlive its window.
	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Shared store trouble must not take down enrollment; log and let
		// the request through.
		log.WithError(err).Warn("rate limiter store unavailable, allowing request")
		return nil
	}
	if n := incr.Val(); n <= r.limit {
		return nil
	}
	ttl, err := r.rdb.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = r.window
	}
	return &RateLimitedError{RetryAfter: ttl}
}

type windowEntry struct {
	count int
	reset time.Time
}

// MemoryRateLimiter is the single-instance fallback used when the shared
// store is disabled.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]windowEntry
	limit   int
	window  time.Duration
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		entries: make(map[string]windowEntry),
		limit:   limit,
		window:  window,
	}
}

func (m *MemoryRateLimiter) Allow(_ context.Context, key string) error {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.entries[key]
	if !ok || now.After(rec.reset) {
		rec = windowEntry{reset: now.Add(m.window)}
	}
	if rec.count >= m.limit {
		m.entries[key] = rec
		return &RateLimitedError{RetryAfter: time.Until(rec.reset)}
	}
	rec.count++
	m.entries[key] = rec
	return nil
}
