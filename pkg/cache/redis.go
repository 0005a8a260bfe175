package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig connection settings for the shared cache
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisCache stores JSON-encoded values in Redis so several processes
// answer from the same facility data. Values come back as decoded JSON
// (maps, slices, float64), not as the original Go types.
type RedisCache struct {
	client            *redis.Client
	prefix            string
	defaultExpiration time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(config RedisConfig, defaultExpiration time.Duration) (*RedisCache, error) {
	if config.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{
		client:            client,
		prefix:            config.Prefix,
		defaultExpiration: defaultExpiration,
	}, nil
}

// Client the underlying connection, shared with the alert rate limiter.
func (rc *RedisCache) Client() *redis.Client {
	return rc.client
}

func (rc *RedisCache) key(k string) string {
	return rc.prefix + k
}

func (rc *RedisCache) Get(ctx context.Context, key string) (interface{}, bool) {
	raw, err := rc.client.Get(ctx, rc.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw), true
	}
	return value, true
}

func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if expiration == 0 {
		expiration = rc.defaultExpiration
	}
	return rc.client.Set(ctx, rc.key(key), data, expiration).Err()
}

func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, rc.key(key)).Err()
}

func (rc *RedisCache) Exists(ctx context.Context, key string) bool {
	return rc.client.Exists(ctx, rc.key(key)).Val() > 0
}

// Clear removes the keys under the cache prefix, or the whole database
// when no prefix is set.
func (rc *RedisCache) Clear(ctx context.Context) error {
	if rc.prefix == "" {
		return rc.client.FlushDB(ctx).Err()
	}
	iter := rc.client.Scan(ctx, 0, rc.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return rc.client.Del(ctx, keys...).Err()
}

func (rc *RedisCache) GetWithTTL(ctx context.Context, key string) (interface{}, time.Duration, bool) {
	value, ok := rc.Get(ctx, key)
	if !ok {
		return nil, 0, false
	}
	ttl, err := rc.client.TTL(ctx, rc.key(key)).Result()
	if err != nil || ttl < 0 {
		return value, 0, true
	}
	return value, ttl, true
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
