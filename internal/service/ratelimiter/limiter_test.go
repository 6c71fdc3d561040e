package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, buckets map[string]BucketConfig) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, buckets), mr
}

func TestConsumeWithinCapacity(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]BucketConfig{
		ClassUser: {Capacity: 3, RefillRate: 0.05},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Consume(ctx, ClassUser, "u1", 1)
		assert.True(t, d.Allowed, "request %d within capacity", i+1)
	}
	d := l.Consume(ctx, ClassUser, "u1", 1)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestConsumeIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]BucketConfig{
		ClassUser: {Capacity: 1, RefillRate: 0.01},
	})
	ctx := context.Background()

	assert.True(t, l.Consume(ctx, ClassUser, "u1", 1).Allowed)
	assert.False(t, l.Consume(ctx, ClassUser, "u1", 1).Allowed)
	assert.True(t, l.Consume(ctx, ClassUser, "u2", 1).Allowed, "a different user has a fresh bucket")
}

func TestConsumeRefillsOverTime(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]BucketConfig{
		ClassIP: {Capacity: 1, RefillRate: 1}, // one token per second
	})
	ctx := context.Background()

	require.True(t, l.Consume(ctx, ClassIP, "10.0.0.1", 1).Allowed)
	require.False(t, l.Consume(ctx, ClassIP, "10.0.0.1", 1).Allowed)

	// Refill time comes from the caller-supplied clock, so real time must pass.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Consume(ctx, ClassIP, "10.0.0.1", 1).Allowed)
}

func TestMissingBucketAllows(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	d := l.Consume(context.Background(), ClassUser, "u1", 1)
	assert.True(t, d.Allowed)
}

func TestFailOpenOnStoreError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, map[string]BucketConfig{ClassUser: {Capacity: 1, RefillRate: 1}})
	mr.Close()

	d := l.Consume(context.Background(), ClassUser, "u1", 1)
	assert.True(t, d.Allowed, "limiter outage must not reject submissions")
}

func TestConsumeAllDeniesWhenAnyBucketDenies(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]BucketConfig{
		ClassUser:   {Capacity: 1, RefillRate: 0.01},
		ClassIP:     {Capacity: 100, RefillRate: 1},
		ClassGlobal: {Capacity: 100, RefillRate: 1},
	})
	ctx := context.Background()

	first := l.ConsumeAll(ctx, "u1", "10.0.0.1")
	assert.True(t, first.Allowed)

	second := l.ConsumeAll(ctx, "u1", "10.0.0.1")
	assert.False(t, second.Allowed, "user bucket exhausted")
	assert.Greater(t, second.RetryAfter, time.Duration(0))
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(60)
	assert.Equal(t, int64(60), cfg.Capacity)
	assert.InDelta(t, 1.0, cfg.RefillRate, 1e-9)
	assert.Zero(t, PerMinute(0).Capacity)
}
