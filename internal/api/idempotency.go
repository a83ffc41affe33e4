package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const headerIdempotencyKey = "Idempotency-Key"

// Deduper remembers idempotency keys of processed step submissions.
type Deduper interface {
	// Add records the key and reports whether it was new.
	Add(ctx context.Context, actorID, key string) (bool, error)
	// Remove forgets a key so a failed submission may be retried.
	Remove(ctx context.Context, actorID, key string) error
}

// RedisDeduper stores idempotency keys in Redis so that every instance
// rejects a replayed submission.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(actorID, key string) string {
	return fmt.Sprintf("fieldtask:dedupe:%s:%s", actorID, key)
}

func (r *RedisDeduper) Add(ctx context.Context, actorID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(actorID, key), 1, r.ttl).Result()
}

func (r *RedisDeduper) Remove(ctx context.Context, actorID, key string) error {
	return r.client.Del(ctx, r.key(actorID, key)).Err()
}

// NoopDeduper accepts every key.
type NoopDeduper struct{}

func (NoopDeduper) Add(context.Context, string, string) (bool, error) { return true, nil }

func (NoopDeduper) Remove(context.Context, string, string) error { return nil }
