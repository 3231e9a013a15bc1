// Package ratelimit provides per-key token buckets for the ingest server: a Redis-backed
// bucket shared between instances and an in-process one for single-node deployments.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Lua script for the token bucket.
// KEYS[1]: rate limit key
// ARGV[1]: rate (tokens/sec)
// ARGV[2]: burst (capacity)
// ARGV[3]: current timestamp (seconds)
// ARGV[4]: tokens to consume
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, math.ceil(burst / rate) + 1)
	return allowed
`)

// Redis is a token bucket per key stored in a Redis hash and updated atomically in Lua.
type Redis struct {
	rdb    *redis.Client
	prefix string
	limit  float64
	burst  int
	now    func() time.Time
}

// NewRedis returns a limiter adding limit tokens per second up to burst. limit may be
// fractional, e.g. 0.5 for one request every two seconds.
func NewRedis(rdb *redis.Client, limit float64, burst int) *Redis {
	return &Redis{rdb: rdb, prefix: "ratelimit:", limit: limit, burst: burst, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	result, err := tokenBucket.Run(ctx, r.rdb,
		[]string{r.prefix + key},
		r.limit,
		r.burst,
		r.now().Unix(),
		1,
	).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Local applies an x/time/rate bucket per key and periodically evicts idle entries.
type Local struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
	now     func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocal creates a key-based limiter; returns nil if args are invalid.
// A nil *Local allows everything.
func NewLocal(rps float64, burst int, idleTTL time.Duration) *Local {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Local{
		limit:   rate.Limit(rps),
		burst:   burst,
		byKey:   make(map[string]*entry),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed, nil
}
