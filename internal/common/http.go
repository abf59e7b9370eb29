package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the peer address of r. Forwarding headers are not read
// here: behind a trusted proxy chi's RealIP middleware rewrites RemoteAddr
// first, and without one a client could mint arbitrary rate-limit keys.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
