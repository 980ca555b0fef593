package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientSource hands out the current client. redisholder.Holder swaps it
// after a reconnect.
type ClientSource interface {
	Get() redis.UniversalClient
}

// Cache is the Redis backed Store. Keys live under Namespace.
type Cache struct {
	Redis     ClientSource
	Namespace string
}

func (c *Cache) key(scope Scope, key string) string {
	return c.Namespace + ":" + string(scope) + ":" + key
}

// Get value from Redis
func (c *Cache) Get(ctx context.Context, scope Scope, key string, dst interface{}) (bool, error) {
	raw, err := c.Redis.Get().Get(ctx, c.key(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", scope, key, err)
	}
	return true, nil
}

// Store data to Redis without expiry
func (c *Cache) Set(ctx context.Context, scope Scope, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", scope, key, err)
	}
	return c.Redis.Get().Set(ctx, c.key(scope, key), raw, 0).Err()
}

// Delete key from Redis
func (c *Cache) Remove(ctx context.Context, scope Scope, key string) error {
	return c.Redis.Get().Del(ctx, c.key(scope, key)).Err()
}

func NewCache(namespace string, redisCl ClientSource) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     redisCl,
	}
}
