package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"convo-engine/pkg/utils"
)

// Guard coordinates concurrent deliveries across API replicas. Acquire
// serializes work per sender; FirstDelivery drops provider redeliveries.
// Forget clears a delivery mark so a message that failed can be retried.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
	FirstDelivery(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// RedisGuard implements Guard on Redis. A zero DedupeTTL disables dedupe.
type RedisGuard struct {
	rdb       *redis.Client
	LockTTL   time.Duration
	LockWait  time.Duration
	DedupeTTL time.Duration
}

func NewRedisGuard(rdb *redis.Client, lockTTL, lockWait, dedupeTTL time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, LockTTL: lockTTL, LockWait: lockWait, DedupeTTL: dedupeTTL}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := utils.AcquireLock(ctx, g.rdb, key, g.LockTTL, g.LockWait)
	if err != nil {
		return func() {}, err
	}
	return func() {
		// Release must outlive a cancelled request context.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = lock.Release(rctx)
	}, nil
}

func (g *RedisGuard) FirstDelivery(ctx context.Context, key string) (bool, error) {
	if g.DedupeTTL <= 0 {
		return true, nil
	}
	return utils.MarkOnce(ctx, g.rdb, key, g.DedupeTTL)
}

func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	if g.DedupeTTL <= 0 {
		return nil
	}
	// The request context may already be cancelled when processing failed.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	return utils.Unmark(fctx, g.rdb, key)
}

// NopGuard never blocks and never deduplicates.
type NopGuard struct{}

func (NopGuard) Acquire(context.Context, string) (func(), error)     { return func() {}, nil }
func (NopGuard) FirstDelivery(context.Context, string) (bool, error) { return true, nil }
func (NopGuard) Forget(context.Context, string) error                { return nil }
