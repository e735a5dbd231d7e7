package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-market/internal/model"
)

// unlockLua deletes the lock key only if it still holds the caller's token,
// so an expired holder cannot release a newer holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Redis implements Locker with SETNX plus a TTL, for deployments running
// several server replicas against one database.
type Redis struct {
	rdb      redis.UniversalClient
	unlockSc *redis.Script
	prefix   string
}

// NewRedis creates a Redis-backed locker. Keys are namespaced under prefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		prefix:   prefix,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := r.prefix + "lock:" + key

	ok, err := r.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: lock %s held", model.ErrConcurrencyConflict, key)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// Background context: the caller's may already be cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
	}, nil
}

var _ Locker = (*Redis)(nil)
