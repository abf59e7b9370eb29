package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type limiterFunc func(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error)

func (f limiterFunc) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	return f(ctx, key, window, max)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	var rejected []string
	handler := Handler{
		Limiter:  NewMemoryFixedWindow("test"),
		Config:   Config{Key: ByClient("toko_device"), Window: time.Minute, Max: 1},
		OnReject: func(_ *http.Request, key string) { rejected = append(rejected, key) },
	}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/cart/items", nil)
	req.AddCookie(&http.Cookie{Name: "toko_device", Value: "dev-1"})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "1;w=60", rr.Header().Get("X-RateLimit-Policy"))

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
	require.Contains(t, rr.Body.String(), "RATE_LIMITED")
	require.Equal(t, []string{"device:dev-1"}, rejected)

	other := httptest.NewRequest(http.MethodPost, "/cart/items", nil)
	other.RemoteAddr = "203.0.113.5:5000"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, other)
	require.Equal(t, http.StatusOK, rr.Code, "a different client has its own budget")
}

func TestHandlerRetryAfterRoundsUp(t *testing.T) {
	reset := time.Now().Add(1500 * time.Millisecond)
	handler := Handler{
		Limiter: limiterFunc(func(context.Context, string, time.Duration, int) (bool, int, time.Time, error) {
			return false, 0, reset, nil
		}),
		Config: Config{Key: func(*http.Request) string { return "k" }, Window: time.Second, Max: 1},
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cart/items", nil))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "2", rr.Header().Get("Retry-After"))
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	var seen error
	handler := Handler{
		Limiter: limiterFunc(func(context.Context, string, time.Duration, int) (bool, int, time.Time, error) {
			return false, 0, time.Time{}, errors.New("redis: connection refused")
		}),
		Config:  Config{Key: func(*http.Request) string { return "k" }, Window: time.Second, Max: 1},
		OnError: func(err error) { seen = err },
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cart/items", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualError(t, seen, "redis: connection refused")
}

func TestHandlerDisabledWithoutBudget(t *testing.T) {
	handler := Handler{Limiter: NewMemoryFixedWindow("test"), Config: Config{Key: ByClient("c"), Max: 0}}.Middleware(okHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cart/items", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
}
