package security

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-cart/internal/common"
)

// CSRF protects cookie-bound cart mutations. Safe requests mint the token
// cookie when it is missing and the storefront script echoes it in Header on
// every mutation (double submit). A mutation carrying an Origin outside
// Origins is refused before the token is looked at; "*" allows any origin.
type CSRF struct {
	Header  string
	Cookie  string
	Domain  string
	Secure  bool
	Origins []string
}

func (c CSRF) names() (header, cookie string) {
	header = strings.TrimSpace(c.Header)
	if header == "" {
		header = "X-CSRF-Token"
	}
	cookie = strings.TrimSpace(c.Cookie)
	if cookie == "" {
		cookie = "toko_csrf"
	}
	return header, cookie
}

// Middleware wraps next.
func (c CSRF) Middleware(next http.Handler) http.Handler {
	headerName, cookieName := c.names()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			if existing, err := r.Cookie(cookieName); err != nil || strings.TrimSpace(existing.Value) == "" {
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    uuid.NewString(),
					Path:     "/",
					Domain:   c.Domain,
					Secure:   c.Secure,
					SameSite: http.SameSiteStrictMode,
				})
			}
			next.ServeHTTP(w, r)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" && !c.originAllowed(origin, r.Host) {
			common.JSONError(w, http.StatusForbidden, "CSRF_ORIGIN", "cross-site request refused", nil)
			return
		}

		token := strings.TrimSpace(r.Header.Get(headerName))
		cookie, err := r.Cookie(cookieName)
		switch {
		case token == "":
			common.JSONError(w, http.StatusForbidden, "CSRF_MISSING", "missing csrf token", nil)
		case err != nil || strings.TrimSpace(cookie.Value) == "":
			common.JSONError(w, http.StatusForbidden, "CSRF_MISSING", "missing csrf cookie", nil)
		case subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1:
			common.JSONError(w, http.StatusForbidden, "CSRF_INVALID", "invalid csrf token", nil)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// originAllowed accepts same-host origins and any listed origin.
func (c CSRF) originAllowed(origin, host string) bool {
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, host) {
		return true
	}
	for _, allowed := range c.Origins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}
