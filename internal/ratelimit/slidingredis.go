package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript trims events older than the window and records a new one
// only when it fits, so rejected requests do not extend a client's penalty.
// It returns {admitted, count, oldestMillis}.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local admitted = 0
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  admitted = 1
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then first = tonumber(oldest[2]) end
return {admitted, count, first}
`)

// SlidingWindow counts events over a rolling window in a Redis sorted set.
// It smooths the burst a fixed window allows at each boundary.
type SlidingWindow struct {
	Client *redis.Client
	Prefix string
	now    func() time.Time
}

// Allow implements Limiter.
func (l SlidingWindow) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	now := time.Now()
	if l.now != nil {
		now = l.now()
	}
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, now.Add(window), nil
	}

	nowMs := now.UnixMilli()
	res, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		nowMs, window.Milliseconds(), max, fmt.Sprintf("%d:%s", nowMs, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return false, 0, now.Add(window), fmt.Errorf("ratelimit: sliding window: %w", err)
	}
	if len(res) != 3 {
		return false, 0, now.Add(window), fmt.Errorf("ratelimit: sliding window: unexpected reply %v", res)
	}
	remaining := max - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	// capacity frees up when the oldest event leaves the window
	reset := time.UnixMilli(res[2]).Add(window)
	return res[0] == 1, remaining, reset, nil
}
