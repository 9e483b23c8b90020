package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, l Limiter, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		d, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i)
	}
}

func TestLocalBucket(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(Config{Capacity: 3, Interval: time.Second})
	l.now = func() time.Time { return now }

	drain(t, l, "u1", 3)

	d, err := l.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = l.Allow(context.Background(), "u2")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per key")

	now = now.Add(time.Second)
	d, err = l.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLocalSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(Config{Capacity: 2, Interval: time.Second})
	l.now = func() time.Time { return now }

	drain(t, l, "a", 1)
	now = now.Add(10 * time.Second)
	drain(t, l, "b", 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "a")
	assert.Contains(t, l.buckets, "b")
}

func TestRedisBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRedis(Config{Capacity: 2, Interval: 500 * time.Millisecond, Prefix: "test"}, rdb)
	l.now = func() time.Time { return now }

	drain(t, l, "42", 2)

	d, err := l.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
	assert.True(t, mr.Exists("test:42"))

	now = now.Add(time.Second)
	d, err = l.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	_, err = NewRedis(Config{}, rdb).Allow(context.Background(), "1")
	assert.Error(t, err)
}

func TestUnlimited(t *testing.T) {
	d, err := Unlimited{}.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
