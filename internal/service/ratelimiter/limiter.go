// Package ratelimiter implements atomic token buckets on Redis.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeclash/exec-engine/internal/adapter/observability"
)

// Bucket classes metered per submission.
const (
	ClassUser   = "user"
	ClassIP     = "ip"
	ClassGlobal = "global"
)

// Decision is the outcome of a single consume attempt.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// BucketConfig describes one bucket class.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// PerMinute builds a bucket that holds and refills n tokens per minute.
func PerMinute(n int) BucketConfig {
	if n <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{Capacity: int64(n), RefillRate: float64(n) / 60.0}
}

// Limiter evaluates token buckets atomically on Redis. On store failure it
// fails open so a limiter outage never rejects submissions.
type Limiter struct {
	redis   *redis.Client
	buckets map[string]BucketConfig
	script  *redis.Script
}

// Bucket state lives in a hash {tokens, last_refill_ms} with a 24h TTL so
// idle principals age out of the store.
const luaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now_ms

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now_ms - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate / 1000)

local allowed = 0
local retry_after_ms = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  if refill_rate > 0 then
    retry_after_ms = math.ceil((cost - tokens) / refill_rate * 1000)
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now_ms)
redis.call("PEXPIRE", key, 86400000)

return { allowed, math.floor(tokens), retry_after_ms }
`

// New constructs a Limiter over the given Redis client and bucket configs
// keyed by class.
func New(rdb *redis.Client, buckets map[string]BucketConfig) *Limiter {
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &Limiter{redis: rdb, buckets: buckets, script: redis.NewScript(luaTokenBucket)}
}

// Consume attempts to take cost tokens from the bucket identified by class
// and key. A missing bucket config allows the request.
func (l *Limiter) Consume(ctx context.Context, class, key string, cost int64) Decision {
	if l == nil || l.redis == nil {
		return Decision{Allowed: true}
	}
	cfg, ok := l.buckets[class]
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return Decision{Allowed: true}
	}
	if cost <= 0 {
		cost = 1
	}

	redisKey := "ratelimit:" + class
	if key != "" {
		redisKey += ":" + key
	}
	nowMS := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowMS, cost).Result()
	if err != nil {
		observability.RateLimitStoreErrorsTotal.Inc()
		slog.Warn("rate limiter store error; failing open",
			slog.String("class", class), slog.Any("error", err))
		return Decision{Allowed: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("rate limiter unexpected script result", slog.Any("result", res))
		return Decision{Allowed: true}
	}
	d := Decision{
		Allowed:    toInt64(vals[0]) == 1,
		Remaining:  toInt64(vals[1]),
		RetryAfter: time.Duration(toInt64(vals[2])) * time.Millisecond,
	}
	if !d.Allowed {
		observability.RateLimitRejectionsTotal.WithLabelValues(class).Inc()
	}
	return d
}

// ConsumeAll meters one submission across the user, ip, and global buckets.
// The submission is allowed iff every bucket allows it; the returned decision
// carries the longest retry-after among refusals.
func (l *Limiter) ConsumeAll(ctx context.Context, userID, ip string) Decision {
	out := Decision{Allowed: true, Remaining: math.MaxInt64}
	for _, probe := range []struct{ class, key string }{
		{ClassUser, userID},
		{ClassIP, ip},
		{ClassGlobal, ""},
	} {
		d := l.Consume(ctx, probe.class, probe.key, 1)
		if d.Remaining < out.Remaining {
			out.Remaining = d.Remaining
		}
		if !d.Allowed {
			out.Allowed = false
			if d.RetryAfter > out.RetryAfter {
				out.RetryAfter = d.RetryAfter
			}
		}
	}
	if out.Remaining == math.MaxInt64 {
		out.Remaining = 0
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
