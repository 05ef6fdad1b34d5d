package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and drains one bucket atomically on the
// Redis side. KEYS[1] is the bucket key; ARGV holds refill rate per
// second, capacity, cost, and the caller's clock in fractional seconds.
// Buckets expire after a minute of silence so idle clients cost nothing.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisRateLimiter keeps one token bucket per client IP in Redis, so
// every node behind the same instance draws from a shared budget and
// scaling out does not multiply the effective limit.
type RedisRateLimiter struct {
	client *redis.Client
	rps    int
	burst  int
}

var _ Limiter = (*RedisRateLimiter)(nil)

// NewRedisRateLimiter connects to Redis at addr and enforces rps
// sustained requests per client with bursts up to burst.
func NewRedisRateLimiter(addr, password string, db, rps, burst int) *RedisRateLimiter {
	return NewRedisRateLimiterFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), rps, burst)
}

// NewRedisRateLimiterFromClient wraps an existing client, sharing the
// connection pool with other Redis consumers in the process.
func NewRedisRateLimiterFromClient(client *redis.Client, rps, burst int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, rps: rps, burst: burst}
}

// Allow takes one token from ip's bucket and reports whether the
// request may proceed.
func (rl *RedisRateLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, rl.client,
		[]string{"ratelimit:" + ip},
		rl.rps, rl.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis rate limit: unexpected reply type %T", res)
	}
	return allowed == 1, nil
}

// Middleware rejects requests over the shared budget with 429. A Redis
// outage fails open: losing the limiter backend must not take the scan
// surface down with it.
func (rl *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := rl.Allow(r.Context(), clientIP(r))
		if err == nil && !allowed {
			w.Header().Set("Retry-After", "5")
			WriteProblem(w, r, http.StatusTooManyRequests, "Too Many Requests",
				"Rate limit exceeded. Retry after the indicated delay.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
