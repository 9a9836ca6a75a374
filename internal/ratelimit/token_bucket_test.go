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

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, "", capacity, refill)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, err := bucket.Take(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, left, err := bucket.take(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), left)

	allowed, err = bucket.Take(ctx)
	require.NoError(t, err)
	assert.False(t, allowed, "third submission in the same instant is throttled")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	allowed, err := bucket.Take(ctx)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = bucket.Take(ctx)
	require.NoError(t, err)
	require.False(t, allowed)

	*clock = clock.Add(500 * time.Millisecond)
	allowed, err = bucket.Take(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTokenBucketDefaultKey(t *testing.T) {
	bucket, _ := newBucket(t, 1, 1)
	assert.Equal(t, DefaultKey, bucket.key)
	assert.Equal(t, 2*time.Second, bucket.ttl)
}
