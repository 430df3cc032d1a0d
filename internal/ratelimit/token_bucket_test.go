package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Hour)
}

func TestAllowDrainsBucketThenDenies(t *testing.T) {
	b := newTestBucket(t, 3, 0.001)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, "rl:user:1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i+1)
	}

	allowed, tokens, err := b.Allow(ctx, "rl:user:1")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket should be empty")
	assert.Less(t, tokens, 1.0)
}

func TestAllowIsolatesKeys(t *testing.T) {
	b := newTestBucket(t, 1, 0.001)
	ctx := context.Background()

	allowed, _, err := b.Allow(ctx, "rl:user:1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = b.Allow(ctx, "rl:user:1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different user still has a full bucket.
	allowed, _, err = b.Allow(ctx, "rl:user:2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowRefillsOverTime(t *testing.T) {
	b := newTestBucket(t, 1, 100) // 100 tokens/second, refills fast
	ctx := context.Background()

	allowed, _, err := b.Allow(ctx, "rl:user:1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = b.Allow(ctx, "rl:user:1")
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(50 * time.Millisecond)

	allowed, _, err = b.Allow(ctx, "rl:user:1")
	require.NoError(t, err)
	assert.True(t, allowed, "bucket should refill after waiting")
}
