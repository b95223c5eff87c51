// Package readcache implements an optional Redis-backed look-aside cache
// in front of the router's /read fan-out, grounded on
// FastGoLink's internal/cache package: a narrow Cache interface backed by
// a RedisCache adapter, with a domain-specific wrapper (URLCache there,
// ShardRangeCache here) layered on top that owns key construction and
// TTL policy rather than exposing raw get/set to callers.
package readcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/wire"
)

// ErrMiss is returned by Cache.Get when the key is absent.
var ErrMiss = errors.New("readcache: miss")

// Cache is the narrow interface the shard-range cache is built on, so
// tests can substitute an in-memory double for Redis.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// RedisCache implements Cache using go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the Redis instance described by cfg.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("readcache: connect: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("readcache: get: %w", err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("readcache: set: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// ShardRangeCache caches a replica's /read response for a given
// (shard_id, valid_at, low, high) tuple. valid_at is part of the key so a
// stale entry from an earlier horizon is never served once the shard
// advances: the next read at the new valid_at simply misses.
type ShardRangeCache struct {
	cache Cache
	ttl   time.Duration
}

// New wraps cache with a default entry ttl.
func New(cache Cache, ttl time.Duration) *ShardRangeCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &ShardRangeCache{cache: cache, ttl: ttl}
}

func (c *ShardRangeCache) key(shard string, validAt int64, low, high int) string {
	return fmt.Sprintf("shardkv:read:%s:%d:%d:%d", shard, validAt, low, high)
}

// Get returns the cached rows for the given shard read, if present.
func (c *ShardRangeCache) Get(ctx context.Context, shard string, validAt int64, low, high int) ([]wire.RowView, bool) {
	data, err := c.cache.Get(ctx, c.key(shard, validAt, low, high))
	if err != nil {
		return nil, false
	}
	var rows []wire.RowView
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false
	}
	return rows, true
}

// Set stores rows for the given shard read.
func (c *ShardRangeCache) Set(ctx context.Context, shard string, validAt int64, low, high int, rows []wire.RowView) {
	data, err := json.Marshal(rows)
	if err != nil {
		return
	}
	_ = c.cache.Set(ctx, c.key(shard, validAt, low, high), data, c.ttl)
}
