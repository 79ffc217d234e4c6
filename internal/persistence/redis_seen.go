package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSeenStore is a SeenStore backed by Redis, using SET NX with a TTL so
// expiry is handled server-side. Suitable when the ingress runs on several
// hosts that must share one dedup window.
type RedisSeenStore struct {
	client *redis.Client
	prefix string
}

var _ SeenStore = (*RedisSeenStore)(nil)

// NewRedisSeenStore creates a RedisSeenStore.
// prefix is optional but recommended (e.g. "visionflow:").
func NewRedisSeenStore(client *redis.Client, prefix string) *RedisSeenStore {
	if prefix == "" {
		prefix = "visionflow:"
	}
	return &RedisSeenStore{client: client, prefix: prefix}
}

func (s *RedisSeenStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+"seen:"+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
