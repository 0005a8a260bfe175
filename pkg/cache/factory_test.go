package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCache_Kinds(t *testing.T) {
	c, err := NewCache("", Config{}, RedisConfig{})
	require.NoError(t, err)
	assert.IsType(t, &goCacheWrapper{}, c)

	c, err = NewCache("GoCache", Config{}, RedisConfig{})
	require.NoError(t, err)
	assert.IsType(t, &goCacheWrapper{}, c)

	_, err = NewCache("memcached", Config{}, RedisConfig{})
	assert.ErrorContains(t, err, "unsupported cache type")
}

func TestNewRedisCache_RequiresAddr(t *testing.T) {
	c, err := NewCache(KindRedis, Config{}, RedisConfig{})
	assert.ErrorContains(t, err, "redis address is required")
	assert.Nil(t, c)
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	_, err := NewRedisCache(RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, time.Minute)
	assert.ErrorContains(t, err, "failed to connect to redis")
}
