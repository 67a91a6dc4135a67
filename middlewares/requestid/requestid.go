// Package requestid attaches a unique identifier to every request, either
// propagated from an inbound header or freshly generated, and echoes it
// back on the response.
package requestid

import (
	"context"

	"github.com/google/uuid"

	concave "github.com/concave/concave"
)

// Options configures the header name and ID generator.
type Options struct {
	// Header names the request/response header carrying the ID. Defaults
	// to "X-Request-ID".
	Header string
	// Generator produces a new ID when the inbound request doesn't
	// already carry one. Defaults to generateID (a random UUIDv4).
	Generator func() string
}

func (o Options) withDefaults() Options {
	if o.Header == "" {
		o.Header = "X-Request-ID"
	}
	if o.Generator == nil {
		o.Generator = generateID
	}
	return o
}

func generateID() string {
	return uuid.New().String()
}

type ctxKey struct{}

// New returns request-id middleware using the default header and
// generator.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// WithOptions returns request-id middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	opts = opts.withDefaults()
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			id := c.Request().Header.Get(opts.Header)
			if id == "" {
				id = opts.Generator()
			}
			c.Header().Set(opts.Header, id)

			ctx := context.WithValue(c.Context(), ctxKey{}, id)
			*c.Request() = *c.Request().WithContext(ctx)

			return next(c)
		}
	}
}

// FromContext returns the request ID attached to c, or "" if none.
func FromContext(c *concave.Ctx) string {
	id, _ := c.Context().Value(ctxKey{}).(string)
	return id
}

// Get is an alias for FromContext.
func Get(c *concave.Ctx) string {
	return FromContext(c)
}
