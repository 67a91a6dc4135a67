// Package realip resolves the client's real IP address from trusted
// forwarding headers, falling back to the TCP peer address.
package realip

import (
	"context"
	"net"
	"strings"

	concave "github.com/concave/concave"
)

var defaultHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// Options configures which headers are trusted and from which proxy
// networks.
type Options struct {
	// TrustedHeaders lists the headers consulted, in priority order.
	// Defaults to X-Forwarded-For, X-Real-IP, CF-Connecting-IP.
	TrustedHeaders []string
	// TrustedProxies restricts header trust to requests whose RemoteAddr
	// falls inside one of these CIDR networks. Empty means trust every
	// peer's forwarding headers.
	TrustedProxies []string
}

type ctxKey struct{}

// New returns real-IP middleware trusting forwarding headers from every
// peer.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// WithTrustedProxies returns real-IP middleware that only trusts
// forwarding headers from peers inside the given CIDR networks (or exact
// IPs, treated as /32 or /128).
func WithTrustedProxies(networks ...string) concave.Middleware {
	return WithOptions(Options{TrustedProxies: networks})
}

// WithOptions returns real-IP middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	headers := opts.TrustedHeaders
	if len(headers) == 0 {
		headers = defaultHeaders
	}
	networks := parseNetworks(opts.TrustedProxies)

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			peer := extractIP(c.Request().RemoteAddr)
			ip := peer

			if len(networks) == 0 || isTrusted(peer, networks) {
				for _, h := range headers {
					if v := c.Request().Header.Get(h); v != "" {
						if found := extractFirstIP(v); found != "" {
							ip = found
							break
						}
					}
				}
			}

			ctx := context.WithValue(c.Context(), ctxKey{}, ip)
			*c.Request() = *c.Request().WithContext(ctx)
			return next(c)
		}
	}
}

func parseNetworks(cidrs []string) []*net.IPNet {
	var out []*net.IPNet
	for _, s := range cidrs {
		if !strings.Contains(s, "/") {
			if strings.Contains(s, ":") {
				s += "/128"
			} else {
				s += "/32"
			}
		}
		_, n, err := net.ParseCIDR(s)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

func isTrusted(ip string, networks []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func extractFirstIP(header string) string {
	parts := strings.Split(header, ",")
	if len(parts) == 0 {
		return ""
	}
	candidate := strings.TrimSpace(parts[0])
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// FromContext returns the resolved client IP, or "" if the middleware
// didn't run.
func FromContext(c *concave.Ctx) string {
	ip, _ := c.Context().Value(ctxKey{}).(string)
	return ip
}

// Get is an alias for FromContext.
func Get(c *concave.Ctx) string {
	return FromContext(c)
}
