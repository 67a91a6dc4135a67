// Package cors implements Cross-Origin Resource Sharing header negotiation
// and preflight handling.
package cors

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	concave "github.com/concave/concave"
)

// Options configures CORS behavior.
type Options struct {
	AllowOrigins        []string
	AllowOriginFunc     func(origin string) bool
	AllowMethods        []string
	AllowHeaders        []string
	ExposeHeaders       []string
	AllowCredentials    bool
	AllowPrivateNetwork bool
	MaxAge              time.Duration
}

func (o Options) originAllowed(origin string) bool {
	if o.AllowOriginFunc != nil {
		return o.AllowOriginFunc(origin)
	}
	for _, allowed := range o.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// New returns CORS middleware configured by opts.
func New(opts Options) concave.Middleware {
	wildcard := false
	for _, o := range opts.AllowOrigins {
		if o == "*" {
			wildcard = true
		}
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			origin := c.Request().Header.Get("Origin")
			if origin == "" {
				return next(c)
			}

			if !opts.originAllowed(origin) {
				if c.Request().Method == http.MethodOptions {
					return c.NoContent()
				}
				return next(c)
			}

			h := c.Header()
			h.Add("Vary", "Origin")
			if wildcard && !opts.AllowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if opts.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if len(opts.ExposeHeaders) > 0 {
				h.Set("Access-Control-Expose-Headers", strings.Join(opts.ExposeHeaders, ", "))
			}

			if c.Request().Method == http.MethodOptions {
				if len(opts.AllowMethods) > 0 {
					h.Set("Access-Control-Allow-Methods", strings.Join(opts.AllowMethods, ", "))
				}
				if len(opts.AllowHeaders) > 0 {
					h.Set("Access-Control-Allow-Headers", strings.Join(opts.AllowHeaders, ", "))
				}
				if opts.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(int(opts.MaxAge.Seconds())))
				}
				if opts.AllowPrivateNetwork && c.Request().Header.Get("Access-Control-Request-Private-Network") == "true" {
					h.Set("Access-Control-Allow-Private-Network", "true")
				}
				return c.NoContent()
			}

			return next(c)
		}
	}
}

// AllowAll returns CORS middleware permitting any origin, method and
// header, without credentials.
func AllowAll() concave.Middleware {
	return New(Options{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"*"},
	})
}

// WithOrigins returns CORS middleware allowing exactly the given origins.
func WithOrigins(origins ...string) concave.Middleware {
	return New(Options{AllowOrigins: origins})
}
