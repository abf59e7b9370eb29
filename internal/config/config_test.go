package config_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"DATABASE_URL":        "",
		"REDIS_URL":           "",
		"KAFKA_BROKERS":       "",
		"PORT":                "",
		"COOKIE_SAMESITE":     "",
		"CSRF_ENABLED":        "",
		"RATE_LIMIT_STRATEGY": "",
	})
	require.NoError(t, err)
	require.True(t, cfg.CSRFEnabled)
	require.Equal(t, "fixed", cfg.RateLimitStrategy)
	require.Equal(t, int64(16<<10), cfg.BodyMaxBytes)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Empty(t, cfg.DatabaseURL)
	require.Empty(t, cfg.KafkaBrokers)
	require.Equal(t, "toko_device", cfg.DeviceCookieName)
	require.Equal(t, http.SameSiteLaxMode, cfg.CookieSameSite)
	require.Equal(t, 30*time.Minute, cfg.SessionIdleTTL)
	require.Equal(t, 5, cfg.PersistMaxAttempts)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"PORT":                  ":9090",
		"KAFKA_BROKERS":         "k1:9092, k2:9092 ,",
		"PERSIST_WRITE_TIMEOUT": "750ms",
		"BREAKER_FAILURE_RATIO": "0.25",
		"SESSION_IDLE_TTL":      "not-a-duration",
		"COOKIE_SAMESITE":       "strict",
		"CSRF_ENABLED":          "off",
		"RATE_LIMIT_STRATEGY":   "Sliding",
	})
	require.NoError(t, err)
	require.False(t, cfg.CSRFEnabled)
	require.Equal(t, "sliding", cfg.RateLimitStrategy)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 750*time.Millisecond, cfg.PersistWriteTimeout)
	require.InDelta(t, 0.25, cfg.BreakerFailureRatio, 1e-9)
	require.Equal(t, 30*time.Minute, cfg.SessionIdleTTL)
	require.Equal(t, http.SameSiteStrictMode, cfg.CookieSameSite)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{"BREAKER_FAILURE_RATIO": "1.5"})
	require.Error(t, err)

	_, err = config.LoadForTests(map[string]string{"COOKIE_SAMESITE": "none", "COOKIE_SECURE": "false"})
	require.ErrorContains(t, err, "COOKIE_SECURE")

	_, err = config.LoadForTests(map[string]string{"RATE_LIMIT_STRATEGY": "token-bucket"})
	require.ErrorContains(t, err, "RATE_LIMIT_STRATEGY")
}
