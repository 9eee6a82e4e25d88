// Package guard holds the redis-backed send guards: a per-session lock that
// admits one in-flight exchange at a time, and an hourly per-user rate
// limiter.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendLock serializes sends within a session via SetNX. The lock expires on
// its own TTL, so a stuck exchange stops blocking the session after the
// window even if the underlying request is still running.
type SendLock struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSendLock(rdb *redis.Client, ttl time.Duration) *SendLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &SendLock{redis: rdb, ttl: ttl}
}

func (l *SendLock) Acquire(ctx context.Context, sessionID, uid string) (bool, error) {
	ok, err := l.redis.SetNX(ctx, lockKey(sessionID, uid), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("send lock setnx: %w", err)
	}
	return ok, nil
}

func (l *SendLock) Release(ctx context.Context, sessionID, uid string) error {
	if err := l.redis.Del(ctx, lockKey(sessionID, uid)).Err(); err != nil {
		return fmt.Errorf("send lock del: %w", err)
	}
	return nil
}

// Held reports whether the session currently has an exchange admitted. It
// clears on TTL expiry regardless of whether the request has settled.
func (l *SendLock) Held(ctx context.Context, sessionID, uid string) (bool, error) {
	n, err := l.redis.Exists(ctx, lockKey(sessionID, uid)).Result()
	if err != nil {
		return false, fmt.Errorf("send lock exists: %w", err)
	}
	return n > 0, nil
}

func lockKey(sessionID, uid string) string {
	return fmt.Sprintf("agenthub:sendlock:%s:%s", uid, sessionID)
}

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, uid string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("agenthub:ratelimit:%s:%s", uid, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}
