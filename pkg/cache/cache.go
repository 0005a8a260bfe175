package cache

import (
	"context"
	"time"
)

// Cache defines the cache interface
type Cache interface {
	// Get retrieves a cached value
	Get(ctx context.Context, key string) (interface{}, bool)

	// Set stores a value; expiration 0 uses the cache default
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) bool

	// Clear removes all cached values
	Clear(ctx context.Context) error

	// GetWithTTL retrieves value with remaining TTL
	GetWithTTL(ctx context.Context, key string) (interface{}, time.Duration, bool)

	Close() error
}

// Config local cache configuration
type Config struct {
	DefaultExpiration time.Duration `json:"default_expiration" yaml:"default_expiration"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// Loader produces the value for a missing key.
type Loader func(ctx context.Context) (interface{}, error)

// Remember returns the cached value for key, or calls load, stores its
// result for expiration and returns it. Load errors are not cached.
func Remember(ctx context.Context, c Cache, key string, expiration time.Duration, load Loader) (interface{}, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, v, expiration); err != nil {
		return nil, err
	}
	return v, nil
}
