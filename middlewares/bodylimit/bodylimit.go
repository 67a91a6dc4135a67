// Package bodylimit rejects requests whose body exceeds a configured size,
// either immediately via Content-Length or lazily via a capped reader.
package bodylimit

import (
	"net/http"

	concave "github.com/concave/concave"
)

// DefaultLimit is used when Options.Limit is zero or negative (1MB).
const DefaultLimit = 1024 * 1024

// Options configures the body size limit and the response sent when it is
// exceeded.
type Options struct {
	// Limit is the maximum allowed request body size, in bytes.
	Limit int64
	// Handler is invoked in place of the route handler when the body
	// exceeds Limit. Defaults to writing 413 Request Entity Too Large.
	Handler concave.Handler
}

func defaultHandler(c *concave.Ctx) error {
	return c.Text(http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
}

// New returns body-limit middleware capping requests at limit bytes.
func New(limit int64) concave.Middleware {
	return WithOptions(Options{Limit: limit})
}

// WithHandler returns body-limit middleware capping requests at limit
// bytes, invoking handler instead of the default 413 response when
// exceeded.
func WithHandler(limit int64, handler concave.Handler) concave.Middleware {
	return WithOptions(Options{Limit: limit, Handler: handler})
}

// WithOptions returns body-limit middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	handler := opts.Handler
	if handler == nil {
		handler = defaultHandler
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if c.Request().ContentLength > limit {
				return handler(c)
			}
			c.Request().Body = http.MaxBytesReader(c.Writer(), c.Request().Body, limit)
			return next(c)
		}
	}
}

// KB converts n kilobytes to bytes.
func KB(n int64) int64 { return n * 1024 }

// MB converts n megabytes to bytes.
func MB(n int64) int64 { return n * 1024 * 1024 }

// GB converts n gigabytes to bytes.
func GB(n int64) int64 { return n * 1024 * 1024 * 1024 }
