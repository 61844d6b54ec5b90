package closure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"toolshare/db"
)

// VelocityLimiter caps how many requests one user may initiate in a trailing
// window. Exceeded must not change state. Reserve claims a slot atomically
// inside the creating transaction and reports false when none is left;
// Release gives the slot back when that transaction does not commit.
type VelocityLimiter interface {
	Exceeded(ctx context.Context, q db.Querier, userID string, now time.Time) (bool, error)
	Reserve(ctx context.Context, q db.Querier, userID, closureID string, now time.Time) (bool, error)
	Release(ctx context.Context, userID, closureID string) error
}

// RedisVelocity keeps one sorted set per user scored by creation time.
type RedisVelocity struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisVelocity(client *redis.Client, p Policy) *RedisVelocity {
	return &RedisVelocity{client: client, limit: p.VelocityLimit, window: p.VelocityWindow}
}

func velocityKey(userID string) string {
	return "closure:velocity:" + userID
}

func (v *RedisVelocity) Exceeded(ctx context.Context, _ db.Querier, userID string, now time.Time) (bool, error) {
	if v.limit <= 0 {
		return false, nil
	}
	from := strconv.FormatInt(now.Add(-v.window).UnixMilli(), 10)
	n, err := v.client.ZCount(ctx, velocityKey(userID), "("+from, "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("closure: velocity count: %w", err)
	}
	return n >= int64(v.limit), nil
}

// Reserve adds the entry first and counts in the same MULTI block, so of
// any number of concurrent callers at most limit see a count within bounds.
// A caller over the limit removes its own entry again.
func (v *RedisVelocity) Reserve(ctx context.Context, _ db.Querier, userID, closureID string, now time.Time) (bool, error) {
	if v.limit <= 0 {
		return true, nil
	}
	key := velocityKey(userID)
	cutoff := strconv.FormatInt(now.Add(-v.window).UnixMilli(), 10)

	var count *redis.IntCmd
	_, err := v.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: closureID})
		count = p.ZCount(ctx, key, "("+cutoff, "+inf")
		p.Expire(ctx, key, v.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("closure: velocity reserve: %w", err)
	}
	if count.Val() <= int64(v.limit) {
		return true, nil
	}
	if err := v.Release(ctx, userID, closureID); err != nil {
		return false, err
	}
	return false, nil
}

func (v *RedisVelocity) Release(ctx context.Context, userID, closureID string) error {
	if err := v.client.ZRem(ctx, velocityKey(userID), closureID).Err(); err != nil {
		return fmt.Errorf("closure: velocity release: %w", err)
	}
	return nil
}

type initiatedCounter interface {
	LockInitiator(ctx context.Context, q db.Querier, userID string) error
	CountInitiatedSince(ctx context.Context, q db.Querier, userID string, since time.Time) (int, error)
}

// StoreVelocity counts persisted requests. Reserve serializes creators per
// user on a transaction-scoped lock, and the request row itself is the slot,
// so Release has nothing to undo.
type StoreVelocity struct {
	counter initiatedCounter
	limit   int
	window  time.Duration
}

func NewStoreVelocity(counter initiatedCounter, p Policy) *StoreVelocity {
	return &StoreVelocity{counter: counter, limit: p.VelocityLimit, window: p.VelocityWindow}
}

func (v *StoreVelocity) Exceeded(ctx context.Context, q db.Querier, userID string, now time.Time) (bool, error) {
	if v.limit <= 0 {
		return false, nil
	}
	n, err := v.counter.CountInitiatedSince(ctx, q, userID, now.Add(-v.window))
	if err != nil {
		return false, err
	}
	return n >= v.limit, nil
}

func (v *StoreVelocity) Reserve(ctx context.Context, q db.Querier, userID, _ string, now time.Time) (bool, error) {
	if v.limit <= 0 {
		return true, nil
	}
	if err := v.counter.LockInitiator(ctx, q, userID); err != nil {
		return false, err
	}
	exceeded, err := v.Exceeded(ctx, q, userID, now)
	return !exceeded, err
}

func (v *StoreVelocity) Release(context.Context, string, string) error {
	return nil
}
