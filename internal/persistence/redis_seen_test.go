package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newRedisClient connects to the Redis named by VISIONFLOW_REDIS_ADDR, or
// skips the test when none is configured.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("VISIONFLOW_REDIS_ADDR")
	if addr == "" {
		t.Skip("set VISIONFLOW_REDIS_ADDR to run Redis tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisSeenStoreCheckAndSet(t *testing.T) {
	client := newRedisClient(t)
	store := NewRedisSeenStore(client, "visionflow:test:")
	ctx := context.Background()

	key := uuid.NewString()
	first, err := store.CheckAndSet(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndSet: %v", err)
	}
	if !first {
		t.Fatalf("fresh key reported as seen")
	}

	again, err := store.CheckAndSet(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndSet: %v", err)
	}
	if again {
		t.Fatalf("duplicate key reported as fresh")
	}
}

func TestRedisSeenStoreTTLExpiry(t *testing.T) {
	client := newRedisClient(t)
	store := NewRedisSeenStore(client, "visionflow:test:")
	ctx := context.Background()

	key := uuid.NewString()
	if _, err := store.CheckAndSet(ctx, key, 50*time.Millisecond); err != nil {
		t.Fatalf("CheckAndSet: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	fresh, err := store.CheckAndSet(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndSet: %v", err)
	}
	if !fresh {
		t.Fatalf("expired key still reported as seen")
	}
}
