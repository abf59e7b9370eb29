package health

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
)

// StoreProbes builds probes for the configured cart stores. Unconfigured
// stores are skipped. Both are non-critical: the session manager falls back
// to memory when they are down.
func StoreProbes(db *pgxpool.Pool, rdb *redis.Client, dbTimeout, redisTimeout time.Duration) []Probe {
	var probes []Probe
	if db != nil {
		probes = append(probes, Probe{
			Name:    "postgres",
			Timeout: dbTimeout,
			Check:   db.Ping,
		})
	}
	if rdb != nil {
		probes = append(probes, Probe{
			Name:    "redis",
			Timeout: redisTimeout,
			Check:   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return probes
}
