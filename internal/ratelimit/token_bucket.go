// Package ratelimit throttles queue submissions across every dispatcher
// process with a token bucket held in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the bucket shared by all submitters.
const DefaultKey = "ratelimit:batch-submit"

// TokenBucket refills at a fixed rate up to capacity.
type TokenBucket struct {
	client   redis.Scripter
	key      string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket stored under key. The key expires after the
// bucket would have refilled completely, so idle buckets do not linger.
func NewTokenBucket(client redis.Scripter, key string, capacity int, refillPerSecond float64) *TokenBucket {
	if key == "" {
		key = DefaultKey
	}
	ttl := time.Minute
	if refillPerSecond > 0 {
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Second
	}
	return &TokenBucket{
		client:   client,
		key:      key,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Take consumes one token. It reports false when the bucket is empty.
func (b *TokenBucket) Take(ctx context.Context) (bool, error) {
	allowed, _, err := b.take(ctx)
	return allowed, err
}

// take also returns the whole tokens left afterwards.
func (b *TokenBucket) take(ctx context.Context) (bool, int64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", b.key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", b.key, res)
	}
	allowed, _ := arr[0].(int64)
	left, _ := arr[1].(int64)
	return allowed == 1, left, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
