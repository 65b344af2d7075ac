package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter backs the limiter with shared redis counters.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter connects to redis and verifies the connection.
func NewRedisCounter(url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCounter{client: client}, nil
}

// Incr atomically increments the window counter.
func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets the counter's time to live.
func (c *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Close releases the redis client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

var _ Counter = (*RedisCounter)(nil)
