package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/noah-isme/toko-cart/internal/config"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/persist"
)

func main() {
	down := flag.Bool("down", false, "roll every migration back")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("cmd", "migrate").Logger()
	if cfg.DatabaseURL == "" {
		logger.Error().Msg("DATABASE_URL is not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := persist.Migrate(ctx, cfg.DatabaseURL, *down); err != nil {
		logger.Error().Err(err).Bool("down", *down).Msg("migration failed")
		os.Exit(1)
	}
	logger.Info().Bool("down", *down).Msg("migrations applied")
}
