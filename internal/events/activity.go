package events

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Activity is the latest known state of one session's cart.
type Activity struct {
	SessionID     string
	Version       uint64
	ItemCount     int
	SubtotalMinor int64
	CurrencyCode  string
	LastActive    time.Time
}

// ActivityIndex keeps the newest event per session in Redis, plus a sorted
// set of non-empty carts scored by last activity.
type ActivityIndex struct {
	R      *redis.Client
	Prefix string
}

// recordScript applies an event only when its version is newer than the one
// stored. Empty carts leave the abandonment index.
var recordScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "version") or "-1")
if tonumber(ARGV[1]) <= current then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "items", ARGV[2], "subtotal", ARGV[3], "currency", ARGV[4], "at", ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[7])
if tonumber(ARGV[2]) == 0 then
  redis.call("ZREM", KEYS[2], ARGV[6])
else
  redis.call("ZADD", KEYS[2], ARGV[5], ARGV[6])
end
return 1
`)

func (a ActivityIndex) sessionKey(id string) string { return a.Prefix + "cart:activity:" + id }
func (a ActivityIndex) indexKey() string            { return a.Prefix + "cart:activity" }

// Record applies evt and reports whether it was newer than what was stored.
func (a ActivityIndex) Record(ctx context.Context, evt Event, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	res, err := recordScript.Run(ctx, a.R,
		[]string{a.sessionKey(evt.SessionID), a.indexKey()},
		strconv.FormatUint(evt.Version, 10),
		evt.ItemCount,
		evt.SubtotalMinor,
		evt.CurrencyCode,
		evt.OccurredAt.UnixMilli(),
		evt.SessionID,
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Abandoned lists non-empty carts idle since before, oldest first.
func (a ActivityIndex) Abandoned(ctx context.Context, before time.Time, limit int64) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := a.R.ZRangeByScore(ctx, a.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(ids))
	for _, id := range ids {
		fields, err := a.R.HGetAll(ctx, a.sessionKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			// record expired; drop the dangling index entry
			_ = a.R.ZRem(ctx, a.indexKey(), id).Err()
			continue
		}
		out = append(out, parseActivity(id, fields))
	}
	return out, nil
}

func parseActivity(id string, fields map[string]string) Activity {
	version, _ := strconv.ParseUint(fields["version"], 10, 64)
	items, _ := strconv.Atoi(fields["items"])
	subtotal, _ := strconv.ParseInt(fields["subtotal"], 10, 64)
	at, _ := strconv.ParseInt(fields["at"], 10, 64)
	return Activity{
		SessionID:     id,
		Version:       version,
		ItemCount:     items,
		SubtotalMinor: subtotal,
		CurrencyCode:  fields["currency"],
		LastActive:    time.UnixMilli(at).UTC(),
	}
}
