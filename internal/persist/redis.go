package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-cart/internal/cart"
)

// saveScript writes version and payload only when the offered version is
// newer than the stored one, then refreshes the key's TTL.
const saveScript = `local cur = redis.call("HGET", KEYS[1], "version")
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "payload", ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1`

// RedisBackend stores each cart record in a hash with fields version and
// payload.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	save   *redis.Script
}

// NewRedisBackend constructs a backend. A non-positive ttl keeps records
// forever.
func NewRedisBackend(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl, save: redis.NewScript(saveScript)}
}

func (b *RedisBackend) key(scope Scope) string {
	if b.prefix == "" {
		return fmt.Sprintf("cart:%s:%s", scope.Kind, scope.ID)
	}
	return fmt.Sprintf("%s:cart:%s:%s", b.prefix, scope.Kind, scope.ID)
}

func (b *RedisBackend) Load(ctx context.Context, scope Scope) (cart.Cart, bool, error) {
	if b == nil || b.client == nil {
		return cart.Cart{}, false, errors.New("persist: redis client not configured")
	}
	if !scope.Valid() {
		return cart.Cart{}, false, ErrInvalidScope
	}
	fields, err := b.client.HMGet(ctx, b.key(scope), "version", "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cart.Cart{}, false, nil
		}
		return cart.Cart{}, false, err
	}
	rawVersion, _ := fields[0].(string)
	payload, _ := fields[1].(string)
	if rawVersion == "" || payload == "" {
		return cart.Cart{}, false, nil
	}
	version, err := strconv.ParseUint(rawVersion, 10, 64)
	if err != nil {
		return cart.Cart{}, false, fmt.Errorf("parse version of %s: %w", scope, err)
	}
	c, err := decode([]byte(payload), version)
	if err != nil {
		return cart.Cart{}, false, err
	}
	return c, true, nil
}

func (b *RedisBackend) Save(ctx context.Context, scope Scope, c cart.Cart) (bool, error) {
	if b == nil || b.client == nil {
		return false, errors.New("persist: redis client not configured")
	}
	if !scope.Valid() {
		return false, ErrInvalidScope
	}
	payload, err := encode(c)
	if err != nil {
		return false, err
	}
	res, err := b.save.Run(ctx, b.client, []string{b.key(scope)},
		strconv.FormatUint(c.Version, 10), string(payload), b.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (b *RedisBackend) Delete(ctx context.Context, scope Scope) error {
	if b == nil || b.client == nil {
		return errors.New("persist: redis client not configured")
	}
	return b.client.Del(ctx, b.key(scope)).Err()
}
