package identity

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers markers for a while so each one is accepted once.
type ReplayGuard interface {
	// Claim records marker and reports an error wrapping ErrReplayed if it was seen within ttl.
	Claim(ctx context.Context, marker string, ttl time.Duration) error
}

// RedisReplayGuard keeps claimed markers as expiring Redis keys, so several server
// instances share one view.
type RedisReplayGuard struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisReplayGuard returns a guard storing keys under "replay:".
func NewRedisReplayGuard(rdb *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{rdb: rdb, prefix: "replay:"}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, marker string, ttl time.Duration) error {
	ok, err := g.rdb.SetNX(ctx, g.prefix+marker, 1, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}

// Verifier combines signature, staleness and replay checks as a server applies them.
type Verifier struct {
	Signer *Signer
	MaxAge time.Duration
	Guard  ReplayGuard
}

// UnboundedReplayTTL is how long claims are kept when MaxAge is zero. Such markers never go
// stale, so a replay after this window is accepted again.
const UnboundedReplayTTL = 24 * time.Hour

// Check verifies marker and claims it with the guard, if any. Claims are kept for twice
// MaxAge because Verify tolerates skew in both directions, or for UnboundedReplayTTL when
// MaxAge is zero.
func (v *Verifier) Check(ctx context.Context, marker string) (Claims, error) {
	claims, err := v.Signer.Verify(marker, v.MaxAge)
	if err != nil {
		return Claims{}, err
	}
	if v.Guard != nil {
		if err := v.Guard.Claim(ctx, marker, v.ReplayTTL()); err != nil {
			return Claims{}, err
		}
	}
	return claims, nil
}

// ReplayTTL returns how long a claimed marker is remembered.
func (v *Verifier) ReplayTTL() time.Duration {
	if v.MaxAge <= 0 {
		return UnboundedReplayTTL
	}
	return 2 * v.MaxAge
}
