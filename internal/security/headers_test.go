package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func serveHeaders(h Headers, req *http.Request) http.Header {
	rr := httptest.NewRecorder()
	h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)
	return rr.Result().Header
}

func TestHeadersMiddlewareSetsSecurityHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://shop.example/cart", nil)
	req.TLS = &tls.ConnectionState{}
	headers := serveHeaders(Headers{Enable: true, EnableHSTS: true, HSTSMaxAge: 600, HSTSIncludeSubdomains: true}, req)

	require.Equal(t, "nosniff", headers.Get("X-Content-Type-Options"))
	require.Equal(t, "max-age=600; includeSubDomains", headers.Get("Strict-Transport-Security"))
	require.Equal(t, "private, no-store", headers.Get("Cache-Control"))
	require.Contains(t, headers.Get("Content-Security-Policy"), "default-src 'none'")
}

func TestHeadersHSTSOnlyOverTLS(t *testing.T) {
	h := Headers{Enable: true, EnableHSTS: true}
	req := httptest.NewRequest(http.MethodGet, "http://shop.example/cart", nil)
	require.Empty(t, serveHeaders(h, req).Get("Strict-Transport-Security"))

	req.Header.Set("X-Forwarded-Proto", "https")
	require.Empty(t, serveHeaders(h, req).Get("Strict-Transport-Security"), "untrusted proxy header")

	h.TrustForwardedProto = true
	require.Equal(t, "max-age=31536000", serveHeaders(h, req).Get("Strict-Transport-Security"))
}

func TestHeadersMiddlewareDisabled(t *testing.T) {
	headers := serveHeaders(Headers{EnableHSTS: true}, httptest.NewRequest(http.MethodGet, "http://shop.example/cart", nil))
	require.Empty(t, headers.Get("X-Content-Type-Options"))
}
