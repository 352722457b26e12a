// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := &RedisKV{
		client:    client,
		logger:    zerolog.Nop(),
		opTimeout: 500 * time.Millisecond,
	}
	return mr, kv
}

func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory(0)

	_, found, err := kv.Get(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set(ctx, "k", []byte(`{"a":1}`), 50*time.Millisecond))
	val, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"a":1}`), val)

	time.Sleep(80 * time.Millisecond)
	_, found, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "entry must expire after TTL")

	stats := kv.Stats()
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestMemoryKVDelete(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory(0)

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, kv.Delete(ctx, "k"))
	_, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisKVSetGet(t *testing.T) {
	_, kv := setupMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "config:acme:sports1", []byte(`{"slug":"sports1"}`), 60*time.Second))

	val, found, err := kv.Get(ctx, "config:acme:sports1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"slug":"sports1"}`, string(val))

	_, found, err = kv.Get(ctx, "config:acme:other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisKVTTL(t *testing.T) {
	mr, kv := setupMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), 100*time.Millisecond))

	_, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	mr.FastForward(200 * time.Millisecond)

	_, found, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "key must expire after TTL")
}

func TestRedisKVDelete(t *testing.T) {
	_, kv := setupMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, kv.Delete(ctx, "k"))

	_, found, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisKVUnavailable(t *testing.T) {
	mr, kv := setupMiniRedis(t)
	mr.Close()

	err := kv.Set(context.Background(), "k", []byte("v"), time.Minute)
	assert.Error(t, err, "writes against a dead backend must surface an error")

	_, _, err = kv.Get(context.Background(), "k")
	assert.Error(t, err)
}
