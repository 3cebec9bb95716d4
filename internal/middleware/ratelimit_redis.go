package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/duochat/signal-server/internal/redis"
)

// slidingWindowScript keeps one sorted-set member per admitted request,
// scored in milliseconds. It returns {allowed, remaining, resetAtMs}.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local nowMs  = tonumber(ARGV[1])
local winMs  = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', nowMs - winMs)
local used = redis.call('ZCARD', key)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local resetAt = nowMs + winMs
if #oldest == 2 then
    resetAt = tonumber(oldest[2]) + winMs
end

if used >= limit then
    return {0, 0, resetAt}
end

redis.call('ZADD', key, nowMs, member)
redis.call('PEXPIRE', key, winMs)
return {1, limit - used - 1, resetAt}
`)

// RedisRateLimiter shares match-request windows across server instances.
// Redis failures admit the request.
type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, now: time.Now}
}

func (rl *RedisRateLimiter) Check(ctx context.Context, key string, limit int) (bool, int, int64) {
	now := rl.now()
	fallbackReset := now.Add(windowDuration).Unix()

	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{redisclient.RateLimitKey(key)},
		now.UnixMilli(), windowDuration.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil || len(res) != 3 {
		log.Warn().Err(err).Str("key", key).Msg("rate limit unavailable, admitting request")
		return true, limit - 1, fallbackReset
	}

	return res[0] == 1, int(res[1]), time.UnixMilli(res[2]).Unix()
}
