package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/config"
	"github.com/noah-isme/toko-cart/internal/events"
	"github.com/noah-isme/toko-cart/internal/lock"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

// worker folds the cart activity topic into a Redis index and periodically
// reports carts left idle past ABANDON_AFTER.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	if len(cfg.KafkaBrokers) == 0 || cfg.RedisURL == "" {
		logger.Error().Msg("KAFKA_BROKERS and REDIS_URL are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.MetricsNS, nil)
	resilience.RegisterMetrics(cfg.MetricsNS, nil)

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	index := events.ActivityIndex{R: redisClient, Prefix: cfg.RedisPrefix}
	consumer := events.Consumer{
		Reader:    events.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaCartTopic, cfg.KafkaConsumerGroup),
		Index:     index,
		RecordTTL: cfg.CartRecordTTL,
		Retry: resilience.Retrier{
			Breaker:     resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).WithTarget("activity_index").WithLogger(logger),
			MaxAttempts: cfg.PersistMaxAttempts,
			BaseBackoff: cfg.PersistRetryBase,
			Jitter:      0.2,
			Timeout:     cfg.PersistWriteTimeout,
		},
		Logger: logger,
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Error().Err(err).Msg("close kafka reader")
		}
	}()

	sweeper := sweeper{
		index:  index,
		locker: lock.Locker{R: redisClient, Prefix: cfg.RedisPrefix, Wait: time.Second},
		after:  cfg.AbandonAfter,
		logger: logger,
	}
	go sweeper.run(ctx, cfg.AbandonSweepInterval)

	metricsSrv := &http.Server{Addr: cfg.HTTPAddr(), Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("topic", cfg.KafkaCartTopic).Str("group", cfg.KafkaConsumerGroup).Msg("worker starting")
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

type sweeper struct {
	index  events.ActivityIndex
	locker lock.Locker
	after  time.Duration
	logger zerolog.Logger
}

func (s sweeper) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.locker.WithLock(ctx, "abandon-sweep", interval, s.sweep)
			if err != nil && !errors.Is(err, lock.ErrNotAcquired) && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("abandon sweep failed")
			}
		}
	}
}

func (s sweeper) sweep(ctx context.Context) error {
	idle, err := s.index.Abandoned(ctx, time.Now().Add(-s.after), 500)
	if err != nil {
		return err
	}
	obs.SetCartsAbandoned(len(idle))
	for _, a := range idle {
		s.logger.Info().
			Str("session_id", a.SessionID).
			Int("items", a.ItemCount).
			Int64("subtotal_minor", a.SubtotalMinor).
			Str("currency", a.CurrencyCode).
			Time("last_active", a.LastActive).
			Msg("cart_abandoned")
	}
	return nil
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
