package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	remainingKeyPrefix = "remaining:"
	remainingTTL       = 5 * time.Minute
	idempotencyKeyTTL  = 24 * time.Hour
)

// RedisCache caches remaining quantities for read endpoints and holds
// idempotency keys for retried delivery requests. It never participates in
// the reconciliation invariant: the MySQL store is the single authoritative
// serialization point, and entries here expire or get refreshed after commit.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) GetRemaining(ctx context.Context, orderItemID string) (int, bool, error) {
	qty, err := r.client.Get(ctx, remainingKeyPrefix+orderItemID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func (r *RedisCache) SetRemaining(ctx context.Context, orderItemID string, quantity int) error {
	return r.client.Set(ctx, remainingKeyPrefix+orderItemID, quantity, remainingTTL).Err()
}

func (r *RedisCache) InvalidateRemaining(ctx context.Context, orderItemID string) error {
	return r.client.Del(ctx, remainingKeyPrefix+orderItemID).Err()
}

func (r *RedisCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisCache) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
