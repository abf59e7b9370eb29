package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-cart/internal/checkout"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/config"
	"github.com/noah-isme/toko-cart/internal/events"
	"github.com/noah-isme/toko-cart/internal/health"
	"github.com/noah-isme/toko-cart/internal/lock"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/persist"
	"github.com/noah-isme/toko-cart/internal/ratelimit"
	"github.com/noah-isme/toko-cart/internal/resilience"
	"github.com/noah-isme/toko-cart/internal/security"
	"github.com/noah-isme/toko-cart/internal/session"
	"github.com/noah-isme/toko-cart/internal/view"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().
		Str("service", cfg.ServiceName).
		Str("env", cfg.AppEnv).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.MetricsNS, nil)
	resilience.RegisterMetrics(cfg.MetricsNS, nil)
	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNS, obs.ParseBucketsCSV(cfg.MetricsBuckets), nil)

	tracingEnabled := cfg.OTelEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   cfg.ServiceName,
			Endpoint:      cfg.OTelEndpoint,
			SamplingRatio: cfg.OTelSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	pool := connectDatabase(ctx, cfg, logger)
	if pool != nil {
		defer pool.Close()
	}
	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	storeBreaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("cart_store").
		WithProbes(cfg.BreakerHalfOpenProbes).
		WithLogger(logger)
	orderBreaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("order_service").
		WithLogger(logger)

	var publisher *events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaCartTopic), events.Options{Logger: logger})
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaCartTopic).Msg("cart events enabled")
	} else {
		publisher = events.NewPublisher(nil, events.Options{})
	}

	manager := session.NewManager(cartBackend(cfg, pool, redisClient, logger), session.Config{
		IdleTTL: cfg.SessionIdleTTL,
		Persist: persist.Config{
			MaxAttempts:  cfg.PersistMaxAttempts,
			RetryBase:    cfg.PersistRetryBase,
			RetryJitter:  0.2,
			WriteTimeout: cfg.PersistWriteTimeout,
			QueueSize:    cfg.PersistQueueSize,
		},
	},
		session.WithLogger(logger),
		session.WithBreaker(storeBreaker),
		session.WithObserver(publisher.Observe),
	)
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go manager.Run(reaperCtx, cfg.SessionReapInterval)

	var checkoutSvc view.Checkouter
	if cfg.CheckoutURL != "" {
		placer := checkout.HTTPPlacer{
			URL: cfg.CheckoutURL,
			Client: resilience.HTTPClient{
				Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
				Breaker:     orderBreaker,
				MaxAttempts: cfg.CheckoutMaxAttempts,
				BaseBackoff: 100 * time.Millisecond,
				Jitter:      0.2,
				Timeout:     cfg.CheckoutTimeout,
			},
		}
		locker := lock.Locker{R: redisClient, Prefix: cfg.RedisPrefix, Wait: cfg.CheckoutLockWait}
		guardTTL := time.Duration(cfg.CheckoutMaxAttempts+1) * cfg.CheckoutTimeout
		checkoutSvc = checkout.NewService(placer, logger, checkout.WithGuard(locker, guardTTL))
	} else {
		logger.Warn().Msg("CHECKOUT_URL not set; checkout disabled")
	}

	streamsDone := make(chan struct{})
	cartHandler := &view.Handler{
		Sessions: session.Resolver{
			Manager: manager,
			Cookie: session.CookieConfig{
				Name:     cfg.DeviceCookieName,
				Domain:   cfg.CookieDomain,
				MaxAge:   cfg.DeviceCookieTTL,
				Secure:   cfg.CookieSecure,
				SameSite: cfg.CookieSameSite,
			},
		},
		Checkout: checkoutSvc,
		Stream:   view.StreamConfig{Heartbeat: cfg.StreamHeartbeat, Done: streamsDone},
		Logger:   logger,
	}

	limiter, err := rateLimiter(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	mutating := []func(http.Handler) http.Handler{
		ratelimit.Handler{
			Limiter: limiter,
			Config: ratelimit.Config{
				Key:    ratelimit.ByClient(cfg.DeviceCookieName),
				Window: cfg.RateLimitWindow,
				Max:    cfg.RateLimitMax,
			},
			OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
			OnReject: func(r *http.Request, key string) {
				logger.Debug().Str("key", key).Str("path", r.URL.Path).Msg("cart_rate_limited")
			},
		}.Middleware,
		security.BodyLimit{Max: cfg.BodyMaxBytes, RequireJSON: true}.Middleware,
	}
	mutating = append(mutating, common.Idem{
		R:      redisClient,
		TTL:    cfg.IdempotencyTTL,
		Prefix: cfg.RedisPrefix,
		Scope:  deviceScope(cfg.DeviceCookieName),
	}.Middleware)

	healthHandler := health.Handler{
		Probes: health.StoreProbes(pool, redisClient, 500*time.Millisecond, 300*time.Millisecond),
		Breakers: map[string]*resilience.Breaker{
			"cart_store":    storeBreaker,
			"order_service": orderBreaker,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.SpanRoute)
	}
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger, DeviceCookie: cfg.DeviceCookieName, Skip: []string{"/metrics", "/health/"}}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeaders, EnableHSTS: cfg.HSTSEnabled, TrustForwardedProto: cfg.TrustProxy}.Middleware)
	// without configured origins the storefront is same-origin only
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Remaining"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Group(func(g chi.Router) {
		g.Use(session.AccountHeader(cfg.AccountHeader))
		if cfg.CSRFEnabled {
			g.Use(security.CSRF{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure, Origins: cfg.CORSAllowedOrigins}.Middleware)
		}
		cartHandler.Routes(g, mutating...)
	})

	var handler http.Handler = r
	if tracingEnabled {
		handler = otelhttp.NewHandler(r, "storefront")
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// open cart streams would otherwise hold Shutdown until its deadline
	srv.RegisterOnShutdown(func() { close(streamsDone) })

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	stopReaper()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("drain cart sessions")
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("close cart events")
	}
}

func connectDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		return nil
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ServiceName

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func connectRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

// cartBackend keeps anonymous carts in Redis and account carts in Postgres,
// falling back to whichever store is configured and finally to memory.
func cartBackend(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) persist.Backend {
	var device, account persist.Backend
	if rdb != nil {
		device = persist.NewRedisBackend(rdb, cfg.RedisPrefix, cfg.CartRecordTTL)
	}
	if pool != nil {
		account = persist.NewPostgresBackend(pool)
	}
	switch {
	case device == nil && account == nil:
		logger.Warn().Msg("no cart store configured; carts live in process memory")
		return persist.NewMemoryBackend()
	case device == nil:
		device = account
	case account == nil:
		account = device
	}
	return persist.ScopedBackend{Device: device, Account: account}
}

func rateLimiter(cfg *config.Config, rdb *redis.Client) (ratelimit.Limiter, error) {
	if cfg.RateLimitMax <= 0 {
		return nil, nil
	}
	prefix := cfg.RedisPrefix + "rl:"
	switch {
	case rdb == nil:
		return ratelimit.NewMemoryFixedWindow(prefix), nil
	case cfg.RateLimitStrategy == "sliding":
		return ratelimit.SlidingWindow{Client: rdb, Prefix: prefix}, nil
	default:
		return ratelimit.NewRedisFixedWindow(rdb, prefix)
	}
}

func deviceScope(cookie string) func(*http.Request) string {
	return func(r *http.Request) string {
		if c, err := r.Cookie(cookie); err == nil {
			return c.Value
		}
		return common.ClientIP(r)
	}
}
