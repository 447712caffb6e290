package admission

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/bissquit/fanfest-signup/internal/pkg/httputil"
)

// KeyFunc extracts the client identity from a request.
type KeyFunc func(r *http.Request) string

// ClientIP returns the client address. With trustXFF the first
// X-Forwarded-For hop wins when it parses as an IP; otherwise the connection
// address is used.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// parseIP accepts a bare address or host:port and returns the canonical
// address, or "" when s is not an IP.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// DefaultKeyFunc identifies clients by keyHeader when present, then by ClientIP.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}
		return ClientIP(r, trustXFF)
	}
}

// Middleware rejects requests over the class limit with 429 before the
// handler runs.
func Middleware(c *Controller, class Class, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := c.Admit(r.Context(), keyFn(r), class)

			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				httputil.Error(w, http.StatusTooManyRequests, "too many requests, please try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
