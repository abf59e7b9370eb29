package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/toko-cart/internal/common"
)

// Limiter decides whether one more event for key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error)
}

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler throttles cart mutations per client. A limiter failure lets the
// request through: losing the limit briefly beats refusing every add to cart.
type Handler struct {
	Limiter  Limiter
	Config   Config
	OnError  func(error)
	OnReject func(r *http.Request, key string)
}

// Middleware wraps next.
func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Limiter == nil || h.Config.Key == nil || h.Config.Max <= 0 {
		return next
	}
	policy := fmt.Sprintf("%d;w=%d", h.Config.Max, int(h.Config.Window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := h.Config.Key(r)
		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), key, h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(h.Config.Max))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		headers.Set("X-RateLimit-Policy", policy)
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		wait := int(math.Ceil(time.Until(resetAt).Seconds()))
		if wait < 1 {
			wait = 1
		}
		headers.Set("Retry-After", strconv.Itoa(wait))
		if h.OnReject != nil {
			h.OnReject(r, key)
		}
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many cart changes. Try again shortly.",
			map[string]any{"retry_after_seconds": wait})
	})
}

// ByClient keys requests by the device cookie when present, falling back to
// the client IP.
func ByClient(cookieName string) func(*http.Request) string {
	return func(r *http.Request) string {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return "device:" + c.Value
		}
		return "ip:" + common.ClientIP(r)
	}
}
