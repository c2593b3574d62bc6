package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is a namespaced, TTL-bound JSON cache over Redis, used to shortcut
// catalog lookups. It is strictly an optimization tier: callers fall back to
// the durable store on any miss or error.
type KV struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// DefaultTTL bounds catalog cache staleness. Writers invalidate on mutation,
// the TTL only covers invalidations lost to a crashed process.
const DefaultTTL = 10 * time.Minute

// New creates a KV cache under the given namespace. ttl <= 0 selects
// DefaultTTL.
func New(client *redis.Client, namespace string, ttl time.Duration) *KV {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &KV{client: client, namespace: namespace, ttl: ttl}
}

func (kv *KV) key(k string) string {
	return "strata:kv:" + kv.namespace + ":" + k
}

// Get unmarshals the cached value into dest. The boolean reports a hit;
// a miss is not an error.
func (kv *KV) Get(ctx context.Context, k string, dest any) (bool, error) {
	data, err := kv.client.Get(ctx, kv.key(k)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s: %w", k, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("kv get %s: unmarshal: %w", k, err)
	}
	return true, nil
}

// Set stores value as JSON under the namespace with the cache TTL.
func (kv *KV) Set(ctx context.Context, k string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv set %s: marshal: %w", k, err)
	}
	if err := kv.client.Set(ctx, kv.key(k), data, kv.ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", k, err)
	}
	return nil
}

// Delete invalidates one cached value.
func (kv *KV) Delete(ctx context.Context, k string) error {
	if err := kv.client.Del(ctx, kv.key(k)).Err(); err != nil {
		return fmt.Errorf("kv delete %s: %w", k, err)
	}
	return nil
}
