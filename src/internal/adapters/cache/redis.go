// Package cache stores TMDB metadata in redis so repeated detail lookups
// survive restarts and are shared between instances.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/yaffw/cinefav/src/internal/domain"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RedisMetadataCache struct {
	client *redis.Client
	prefix string
}

// NewRedisMetadataCache connects and pings the server.
func NewRedisMetadataCache(ctx context.Context, opts Options) (*RedisMetadataCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

func NewWithClient(client *redis.Client, prefix string) *RedisMetadataCache {
	if prefix == "" {
		prefix = "cinefav:"
	}
	return &RedisMetadataCache{client: client, prefix: prefix}
}

func (c *RedisMetadataCache) Get(ctx context.Context, key string) (*domain.MediaMetadata, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var m domain.MediaMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		// A corrupt entry is treated as a miss and overwritten on the next Set.
		return nil, false, nil
	}
	return &m, true, nil
}

func (c *RedisMetadataCache) Set(ctx context.Context, key string, m *domain.MediaMetadata, ttl time.Duration) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

func (c *RedisMetadataCache) Close() error {
	return c.client.Close()
}
