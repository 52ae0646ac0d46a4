package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/machinehub/platform/pkg/suppliers"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key fits the configured rate.
type Limiter interface {
	Allow(ctx context.Context, key string, limit suppliers.RateLimit) (bool, error)
}

type localBucket struct {
	limit   suppliers.RateLimit
	limiter *rate.Limiter
}

// LocalLimiter keeps one token bucket per key in process.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*localBucket)}
}

func (l *LocalLimiter) Allow(ctx context.Context, key string, limit suppliers.RateLimit) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.limit != limit {
		interval := limit.Per / time.Duration(limit.Requests)
		b = &localBucket{limit: limit, limiter: rate.NewLimiter(rate.Every(interval), limit.Requests)}
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.limiter.Allow(), nil
}

// tokenBucketScript refills capacity tokens per window and takes one.
// KEYS[1] bucket key; ARGV: capacity, window ms, now ms.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
end
local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + (elapsed * capacity / window))
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], window * 2)
return allowed
`)

// RedisLimiter shares token buckets between webhook replicas.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "machinehub:ratelimit:", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit suppliers.RateLimit) (bool, error) {
	allowed, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		limit.Requests, limit.Per.Milliseconds(), l.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return allowed == 1, nil
}
