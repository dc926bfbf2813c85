package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript implements the same bucket as RateLimiter but
// shared across kernel processes. Atomic per key: refill from the
// elapsed time, then try to consume one token. Keys expire after a
// minute of silence so idle principals cost nothing.
const redisTokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, 60)
return allowed
`

// RedisLimiter is the shared token bucket, for deployments running more
// than one submission front end against the same world.
type RedisLimiter struct {
	client    *redis.Client
	script    *redis.Script
	perSecond float64
	burst     int
	clock     func() time.Time
}

// NewRedisLimiter connects to addr and prepares the bucket script.
func NewRedisLimiter(addr string, perSecond float64, burst int) *RedisLimiter {
	if perSecond <= 0 {
		perSecond = DefaultPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RedisLimiter{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		script:    redis.NewScript(redisTokenBucketScript),
		perSecond: perSecond,
		burst:     burst,
		clock:     time.Now,
	}
}

// Allow consumes one token from the principal's shared bucket.
func (l *RedisLimiter) Allow(ctx context.Context, principal string) (bool, error) {
	key := "agora:submit:" + principal
	now := float64(l.clock().UnixNano()) / float64(time.Second)
	res, err := l.script.Run(ctx, l.client, []string{key}, l.perSecond, l.burst, now).Int()
	if err != nil {
		return false, fmt.Errorf("limiter: redis: %w", err)
	}
	return res == 1, nil
}

// Close releases the redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
