package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/matt-riley/flagsync/internal/usage"
)

// DefaultIdentityHeader names the header holding the caller's identifier.
const DefaultIdentityHeader = "X-User-ID"

// RequestTracking returns middleware that attaches a usage request tracker to
// every request. The context identifier is taken from header, or the client
// IP when the header is absent.
func RequestTracking(header string) func(http.Handler) http.Handler {
	if strings.TrimSpace(header) == "" {
		header = DefaultIdentityHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := strings.TrimSpace(r.Header.Get(header))
			if identifier == "" {
				identifier = ExtractIP(r.RemoteAddr)
			}
			next.ServeHTTP(w, r.WithContext(usage.WithRequest(r.Context(), identifier)))
		})
	}
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
