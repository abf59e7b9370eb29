package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	ServiceName        string
	DatabaseURL        string
	RedisURL           string
	RedisPrefix        string
	CORSAllowedOrigins []string

	LogFormat      string
	LogLevel       string
	MetricsNS      string
	MetricsBuckets string
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampling   float64

	DeviceCookieName string
	DeviceCookieTTL  time.Duration
	CookieDomain     string
	CookieSecure     bool
	CookieSameSite   http.SameSite
	AccountHeader    string

	CartRecordTTL         time.Duration
	PersistMaxAttempts    int
	PersistRetryBase      time.Duration
	PersistWriteTimeout   time.Duration
	PersistQueueSize      int
	BreakerMinRequests    int
	BreakerFailureRatio   float64
	BreakerOpenFor        time.Duration
	BreakerHalfOpenProbes int

	SessionIdleTTL      time.Duration
	SessionReapInterval time.Duration
	StreamHeartbeat     time.Duration

	CheckoutURL         string
	CheckoutTimeout     time.Duration
	CheckoutMaxAttempts int
	IdempotencyTTL      time.Duration
	CheckoutLockWait    time.Duration

	RateLimitMax      int
	RateLimitWindow   time.Duration
	RateLimitStrategy string
	BodyMaxBytes      int64
	CSRFEnabled       bool
	SecurityHeaders   bool
	HSTSEnabled       bool
	TrustProxy        bool
	ShutdownTimeout   time.Duration

	KafkaBrokers       []string
	KafkaCartTopic     string
	KafkaConsumerGroup string

	AbandonAfter         time.Duration
	AbandonSweepInterval time.Duration
}

// Load reads configuration from environment variables and optional .env files.
// Every backing service is optional; carts fall back to process memory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		ServiceName:        valueOrDefault(k.String("SERVICE_NAME"), "toko-cart"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		RedisPrefix:        strings.TrimSpace(k.String("REDIS_PREFIX")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		LogFormat:      valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:       valueOrDefault(k.String("LOG_LEVEL"), "info"),
		MetricsNS:      valueOrDefault(k.String("METRICS_NAMESPACE"), "toko"),
		MetricsBuckets: k.String("HTTP_METRICS_BUCKETS_MS"),
		OTelEnabled:    parseBool(k.String("OTEL_ENABLED")),
		OTelEndpoint:   strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTelSampling:   parseFloat(k.String("OTEL_SAMPLING_RATIO"), 1),

		DeviceCookieName: valueOrDefault(k.String("DEVICE_COOKIE_NAME"), "toko_device"),
		DeviceCookieTTL:  parseDuration(k.String("DEVICE_COOKIE_TTL"), "8760h"),
		CookieDomain:     strings.TrimSpace(k.String("COOKIE_DOMAIN")),
		CookieSecure:     parseBool(k.String("COOKIE_SECURE")),
		CookieSameSite:   parseSameSite(k.String("COOKIE_SAMESITE")),
		AccountHeader:    valueOrDefault(k.String("ACCOUNT_HEADER"), "X-Account-ID"),

		CartRecordTTL:         parseDuration(k.String("CART_RECORD_TTL"), "720h"),
		PersistMaxAttempts:    parseInt(k.String("PERSIST_MAX_ATTEMPTS"), 5),
		PersistRetryBase:      parseDuration(k.String("PERSIST_RETRY_BASE"), "200ms"),
		PersistWriteTimeout:   parseDuration(k.String("PERSIST_WRITE_TIMEOUT"), "2s"),
		PersistQueueSize:      parseInt(k.String("PERSIST_QUEUE_SIZE"), 16),
		BreakerMinRequests:    parseInt(k.String("BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio:   parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:        parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),
		BreakerHalfOpenProbes: parseInt(k.String("BREAKER_HALF_OPEN_PROBES"), 3),

		SessionIdleTTL:      parseDuration(k.String("SESSION_IDLE_TTL"), "30m"),
		SessionReapInterval: parseDuration(k.String("SESSION_REAP_INTERVAL"), "1m"),
		StreamHeartbeat:     parseDuration(k.String("STREAM_HEARTBEAT"), "15s"),

		CheckoutURL:         strings.TrimSpace(k.String("CHECKOUT_URL")),
		CheckoutTimeout:     parseDuration(k.String("CHECKOUT_TIMEOUT"), "5s"),
		CheckoutMaxAttempts: parseInt(k.String("CHECKOUT_MAX_ATTEMPTS"), 3),
		IdempotencyTTL:      parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		CheckoutLockWait:    parseDuration(k.String("CHECKOUT_LOCK_WAIT"), "250ms"),

		RateLimitMax:      parseInt(k.String("RATE_LIMIT_MAX"), 120),
		RateLimitWindow:   parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitStrategy: strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_STRATEGY"), "fixed")),
		BodyMaxBytes:      int64(parseInt(k.String("BODY_MAX_BYTES"), 16<<10)),
		CSRFEnabled:       parseBoolDefault(k.String("CSRF_ENABLED"), true),
		SecurityHeaders:   parseBoolDefault(k.String("SECURITY_HEADERS_ENABLED"), true),
		HSTSEnabled:       parseBool(k.String("HSTS_ENABLED")),
		TrustProxy:        parseBool(k.String("TRUST_PROXY")),
		ShutdownTimeout:   parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),

		KafkaBrokers:       splitAndTrim(k.String("KAFKA_BROKERS")),
		KafkaCartTopic:     valueOrDefault(k.String("KAFKA_CART_TOPIC"), "cart.activity"),
		KafkaConsumerGroup: valueOrDefault(k.String("KAFKA_CONSUMER_GROUP"), "toko-cart-activity"),

		AbandonAfter:         parseDuration(k.String("ABANDON_AFTER"), "24h"),
		AbandonSweepInterval: parseDuration(k.String("ABANDON_SWEEP_INTERVAL"), "10m"),
	}

	if cfg.CookieSameSite == http.SameSiteDefaultMode {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}

	if cfg.BreakerFailureRatio <= 0 || cfg.BreakerFailureRatio > 1 {
		return nil, errors.New("BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	if cfg.PersistMaxAttempts < 1 {
		return nil, errors.New("PERSIST_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.RateLimitStrategy != "fixed" && cfg.RateLimitStrategy != "sliding" {
		return nil, errors.New("RATE_LIMIT_STRATEGY must be fixed or sliding")
	}
	if cfg.CookieSameSite == http.SameSiteNoneMode && !cfg.CookieSecure {
		return nil, errors.New("COOKIE_SAMESITE=none requires COOKIE_SECURE=true")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
