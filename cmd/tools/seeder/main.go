package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/config"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/persist"
)

var errNoStore = errors.New("REDIS_URL or DATABASE_URL (for accounts) must be set")

// seeder writes a demo cart record so storefront sessions can be exercised
// against a real store.
func main() {
	device := flag.String("device", "", "device id to seed")
	account := flag.String("account", "", "account id to seed (takes precedence over -device)")
	currency := flag.String("currency", "USD", "currency of the seeded lines")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger("console", cfg.LogLevel).With().Str("cmd", "seeder").Logger()

	scope := persist.DeviceScope(*device)
	if strings.TrimSpace(*account) != "" {
		scope = persist.AccountScope(*account)
	}
	if !scope.Valid() {
		logger.Error().Msg("either -device or -account is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backend, closeFn, err := openBackend(ctx, cfg, scope)
	if err != nil {
		logger.Error().Err(err).Msg("open cart store")
		os.Exit(1)
	}
	defer closeFn()

	store := cart.NewStore()
	for _, item := range demoItems(*currency) {
		if _, err := store.AddItem(item); err != nil {
			logger.Error().Err(err).Str("product_id", item.ProductID).Msg("build demo cart")
			os.Exit(1)
		}
	}
	snap := store.Snapshot()

	if existing, ok, err := backend.Load(ctx, scope); err == nil && ok && existing.Version >= snap.Version {
		snap.Version = existing.Version + 1
	}
	saved, err := backend.Save(ctx, scope, snap)
	if err != nil {
		logger.Error().Err(err).Str("scope", scope.String()).Msg("save cart")
		os.Exit(1)
	}
	logger.Info().
		Str("scope", scope.String()).
		Bool("saved", saved).
		Uint64("version", snap.Version).
		Int("items", snap.ItemCount()).
		Msg("seeding completed")
}

func openBackend(ctx context.Context, cfg *config.Config, scope persist.Scope) (persist.Backend, func(), error) {
	if scope.Kind == persist.KindAccount && cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return persist.NewPostgresBackend(pool), pool.Close, nil
	}
	if cfg.RedisURL == "" {
		return nil, nil, errNoStore
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return persist.NewRedisBackend(client, cfg.RedisPrefix, cfg.CartRecordTTL), func() { _ = client.Close() }, nil
}

func demoItems(currency string) []cart.Item {
	return []cart.Item{
		{ProductID: "sku-mug", Name: "Enamel Mug", UnitPriceMinor: 1250, CurrencyCode: currency, Quantity: 2},
		{ProductID: "sku-tee", VariantID: "m", Name: "Logo Tee", UnitPriceMinor: 2400, CurrencyCode: currency, Quantity: 1},
		{ProductID: "sku-tote", Name: "Canvas Tote", UnitPriceMinor: 1800, CurrencyCode: currency, Quantity: 1},
	}
}
