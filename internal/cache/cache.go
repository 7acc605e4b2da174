/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache is the Redis backed tier shared by every creditguard
// instance, fronted by a small in-process TinyLFU cache.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/jerry-enebeli/creditguard/config"
	redis_db "github.com/jerry-enebeli/creditguard/internal/redis-db"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache: key not found")

type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the value under key into data. It returns ErrMiss when the
	// key does not exist.
	Get(ctx context.Context, key string, data interface{}) error

	Delete(ctx context.Context, key string) error
}

const (
	localCacheSize = 10000
	localCacheTTL  = 5 * time.Second
)

type RedisCache struct {
	cache *cache.Cache
	// owned is the client NewCache connected, closed by Close.
	owned *redis_db.Redis
}

// NewCache connects to the Redis deployment described by cfg.
func NewCache(cfg config.RedisConfig) (*RedisCache, error) {
	client, err := redis_db.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	c := NewWithClient(client.Client(), localCacheTTL)
	c.owned = client
	return c, nil
}

// NewWithClient builds a cache on an existing client. A localTTL of zero
// disables the in-process tier, so every read goes to Redis.
func NewWithClient(client redis.UniversalClient, localTTL time.Duration) *RedisCache {
	opts := &cache.Options{Redis: client}
	if localTTL > 0 {
		opts.LocalCache = cache.NewTinyLFU(localCacheSize, localTTL)
	}
	return &RedisCache{cache: cache.New(opts)}
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: value,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return ErrMiss
	}
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Close releases the connection opened by NewCache. Caches built with
// NewWithClient leave their client to the caller.
func (r *RedisCache) Close() error {
	if r.owned == nil {
		return nil
	}
	return r.owned.Close()
}
