package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func caches(t *testing.T) map[string]Cache {
	t.Helper()
	rc, _ := newTestRedis(t)
	mc := NewMemory()
	t.Cleanup(func() { mc.Close() })
	return map[string]Cache{"redis": rc, "memory": mc}
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()

	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))

			got, err := c.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			require.NoError(t, c.Delete(ctx, "k1"))
			_, err = c.Get(ctx, "k1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGetMissingKey(t *testing.T) {
	ctx := context.Background()
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			_, err := c.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, "authz:check:t1:a", []byte("1"), time.Minute))
			require.NoError(t, c.Set(ctx, "authz:check:t1:b", []byte("2"), time.Minute))
			require.NoError(t, c.Set(ctx, "flow:login:x", []byte("3"), time.Minute))

			require.NoError(t, c.DeletePrefix(ctx, "authz:check:t1:"))

			_, err := c.Get(ctx, "authz:check:t1:a")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = c.Get(ctx, "authz:check:t1:b")
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := c.Get(ctx, "flow:login:x")
			require.NoError(t, err)
			assert.Equal(t, []byte("3"), got)
		})
	}
}

func TestExpiryRedis(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	require.NoError(t, c.Set(ctx, "ephemeral", []byte("v"), 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, err := c.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiryMemory(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Set(ctx, "ephemeral", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	t.Cleanup(func() { c.Close() })

	val := []byte("original")
	require.NoError(t, c.Set(ctx, "k", val, time.Minute))
	val[0] = 'X'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}
