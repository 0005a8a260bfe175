package cache

import (
	"fmt"
	"strings"
)

const (
	KindGoCache = "gocache" // in-process
	KindRedis   = "redis"   // shared
)

// NewCache creates the cache named by kind; an empty kind is gocache.
func NewCache(kind string, config Config, redisConfig RedisConfig) (Cache, error) {
	switch strings.ToLower(kind) {
	case "", KindGoCache:
		return NewGoCache(config), nil
	case KindRedis:
		rc, err := NewRedisCache(redisConfig, config.DefaultExpiration)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", kind)
	}
}
