package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple engine nodes share one budget per construct.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (fractional seconds)
var redisTokenBucketScript = redis.NewScript(`
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

// RedisLimiter is a distributed per-construct token bucket for
// multi-node deployments. Wait polls the bucket until a token is
// granted or the context ends.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	poll   time.Duration
}

// NewRedisLimiter connects a limiter to Redis at addr.
func NewRedisLimiter(addr, password string, db int, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:    rps,
		burst:  burst,
		poll:   50 * time.Millisecond,
	}
}

func (l *RedisLimiter) Wait(ctx context.Context, constructID string) error {
	key := fmt.Sprintf("oracle:limiter:%s", constructID)

	for {
		now := float64(time.Now().UnixMicro()) / 1e6
		res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.rps, l.burst, 1, now).Result()
		if err != nil {
			return fmt.Errorf("redis limiter: %w", err)
		}
		if allowed, ok := res.(int64); ok && allowed == 1 {
			return nil
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var _ Limiter = (*RedisLimiter)(nil)
