package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/insight-sync/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the Redis client used for the status-polling surface
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client (tests use miniredis)
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Set sets a key-value pair with TTL
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value by key
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// Del deletes one or more keys
func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// statusKey is the cache key for a brand's sync status surface
func statusKey(brandID string) string {
	return fmt.Sprintf("sync:status:%s", brandID)
}

// GetStatus returns the cached status JSON for a brand, "" on miss
func (r *RedisCache) GetStatus(ctx context.Context, brandID string) (string, error) {
	val, err := r.client.Get(ctx, statusKey(brandID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// SetStatus caches the status JSON for a brand
func (r *RedisCache) SetStatus(ctx context.Context, brandID string, payload string, ttl time.Duration) error {
	return r.client.Set(ctx, statusKey(brandID), payload, ttl).Err()
}

// InvalidateStatus drops the cached status for a brand. Workers call this
// after every chunk so pollers see progress promptly.
func (r *RedisCache) InvalidateStatus(ctx context.Context, brandID string) error {
	return r.client.Del(ctx, statusKey(brandID)).Err()
}
