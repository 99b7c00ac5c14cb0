package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR + PEXPIRE must be atomic or a crashed client leaves an
// unexpiring counter behind.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares one counter per subject across gateway replicas.
// When redis is unreachable it degrades to the in-process limiter
// rather than letting traffic through uncounted.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *SubjectLimiter
}

func NewRedis(client *redis.Client, windowSize time.Duration) *RedisLimiter {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   windowSize,
		Prefix:   "docgate:rl:",
		Fallback: NewSubjectLimiter(windowSize),
	}
}

func (l *RedisLimiter) Allow(subject string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(subject, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + subject}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(subject, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(subject, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(ttlMs) * time.Millisecond
	}
	return d
}

func (l *RedisLimiter) fallback(subject string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(subject, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit}
}
