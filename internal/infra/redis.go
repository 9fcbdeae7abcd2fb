// Package infra provides the Redis adapter backing rate limiting, replay
// nonces and the job deadline queue.
//
// This wraps go-redis v9 behind the small KV interface the middleware and
// deadline consumer depend on, so tests can substitute an in-memory fake.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one token atomically. Keys hold
// a hash {tokens, last_refill}; refill is linear at rate/60 tokens per
// second capped at capacity. Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + elapsed * rate / 60.0)

local allowed = 0
local retry_after_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry_after_ms = math.ceil((1 - tokens) * 60.0 / rate * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, 120)

return {allowed, math.floor(tokens), retry_after_ms}
`)

// RateLimitResult is the outcome of one token-bucket take.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RedisKV is the concrete adapter over go-redis.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects and pings so startup fails fast on a bad address.
func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &RedisKV{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (kv *RedisKV) Close() error {
	return kv.rdb.Close()
}

// Ping verifies connectivity, used by the health endpoint.
func (kv *RedisKV) Ping(ctx context.Context) error {
	return kv.rdb.Ping(ctx).Err()
}

// TakeToken consumes one token from the named bucket.
func (kv *RedisKV) TakeToken(ctx context.Context, key string, capacity, refillPerMin int) (RateLimitResult, error) {
	now := float64(time.Now().UnixMilli()) / 1000.0
	res, err := tokenBucketScript.Run(ctx, kv.rdb, []string{key}, capacity, refillPerMin, now).Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) != 3 {
		return RateLimitResult{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	retryMs, _ := res[2].(int64)
	return RateLimitResult{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// ReserveNonce claims a request nonce. False means the nonce was already
// seen inside its TTL window, i.e. a replay.
func (kv *RedisKV) ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := kv.rdb.SetNX(ctx, "nonce:"+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve nonce: %w", err)
	}
	return ok, nil
}

const deadlineSet = "deadlines:jobs"

// ScheduleDeadline (re-)schedules a member at the given time. ZADD is
// idempotent so boot recovery can re-enqueue everything safely.
func (kv *RedisKV) ScheduleDeadline(ctx context.Context, member string, at time.Time) error {
	return kv.rdb.ZAdd(ctx, deadlineSet, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Err()
}

// CancelDeadline removes a member; missing members are not an error.
func (kv *RedisKV) CancelDeadline(ctx context.Context, member string) error {
	return kv.rdb.ZRem(ctx, deadlineSet, member).Err()
}

// Deadline is one due or upcoming entry.
type Deadline struct {
	Member string
	At     time.Time
}

// PeekNextDeadline returns the earliest entry, or nil when the set is
// empty. It does not claim the entry.
func (kv *RedisKV) PeekNextDeadline(ctx context.Context) (*Deadline, error) {
	zs, err := kv.rdb.ZRangeWithScores(ctx, deadlineSet, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("peek deadline: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	member, _ := zs[0].Member.(string)
	return &Deadline{
		Member: member,
		At:     time.UnixMilli(int64(zs[0].Score)),
	}, nil
}

// ClaimDeadline atomically removes a member. True means this consumer
// won the claim; false means another instance got there first.
func (kv *RedisKV) ClaimDeadline(ctx context.Context, member string) (bool, error) {
	n, err := kv.rdb.ZRem(ctx, deadlineSet, member).Result()
	if err != nil {
		return false, fmt.Errorf("claim deadline: %w", err)
	}
	return n > 0, nil
}
