package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes the marker only if it still carries the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// InFlightGuard marks listings with a purchase in progress, shared across processes.
type InFlightGuard struct {
	rdb     *redis.Client
	ttl     time.Duration
	release *redis.Script
}

func NewInFlightGuard(rdb *redis.Client, ttl time.Duration) *InFlightGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &InFlightGuard{
		rdb:     rdb,
		ttl:     ttl,
		release: redis.NewScript(releaseLua),
	}
}

func guardKey(key string) string {
	return keyPrefix + "inflight:" + key
}

// Acquire sets the marker for key. ok is false when another caller holds it.
// The returned release func is safe to call more than once.
func (g *InFlightGuard) Acquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.New().String()
	k := guardKey(key)

	ok, err := g.rdb.SetNX(ctx, k, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: acquire in-flight marker %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// the caller's ctx may already be done
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.release.Run(rctx, g.rdb, []string{k}, token).Err()
	}, true, nil
}
