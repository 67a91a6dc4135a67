// Package cache sets the Cache-Control response header for a route tree,
// with convenience constructors for the common directive combinations.
package cache

import (
	"strconv"
	"strings"
	"time"

	concave "github.com/concave/concave"
)

// Options configures the Cache-Control directives written on the
// response.
type Options struct {
	Public               bool
	Private              bool
	NoCache              bool
	NoStore              bool
	MustRevalidate       bool
	Immutable            bool
	MaxAge               time.Duration
	SMaxAge              time.Duration
	StaleWhileRevalidate time.Duration
}

func (o Options) directives() string {
	var parts []string
	switch {
	case o.Public:
		parts = append(parts, "public")
	case o.Private:
		parts = append(parts, "private")
	}
	if o.NoCache {
		parts = append(parts, "no-cache")
	}
	if o.NoStore {
		parts = append(parts, "no-store")
	}
	if o.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	if o.Immutable {
		parts = append(parts, "immutable")
	}
	if o.MaxAge > 0 {
		parts = append(parts, "max-age="+strconv.Itoa(int(o.MaxAge.Seconds())))
	}
	if o.SMaxAge > 0 {
		parts = append(parts, "s-maxage="+strconv.Itoa(int(o.SMaxAge.Seconds())))
	}
	if o.StaleWhileRevalidate > 0 {
		parts = append(parts, "stale-while-revalidate="+strconv.Itoa(int(o.StaleWhileRevalidate.Seconds())))
	}
	if len(parts) == 0 {
		return "no-cache"
	}
	return strings.Join(parts, ", ")
}

// New returns cache middleware setting "public, max-age=<d>".
func New(d time.Duration) concave.Middleware {
	return WithOptions(Options{Public: true, MaxAge: d})
}

// WithOptions returns cache middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	value := opts.directives()
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			c.Header().Set("Cache-Control", value)
			return next(c)
		}
	}
}

// Public returns cache middleware setting "public, max-age=<d>".
func Public(d time.Duration) concave.Middleware {
	return WithOptions(Options{Public: true, MaxAge: d})
}

// Private returns cache middleware setting "private, max-age=<d>".
func Private(d time.Duration) concave.Middleware {
	return WithOptions(Options{Private: true, MaxAge: d})
}

// Immutable returns cache middleware setting "public, immutable,
// max-age=<d>".
func Immutable(d time.Duration) concave.Middleware {
	return WithOptions(Options{Public: true, MaxAge: d, Immutable: true})
}

// Static returns cache middleware tuned for static assets: public,
// immutable, max-age=<d>.
func Static(d time.Duration) concave.Middleware {
	return Immutable(d)
}

// SWR returns cache middleware setting "max-age=<maxAge>,
// stale-while-revalidate=<swr>".
func SWR(maxAge, swr time.Duration) concave.Middleware {
	return WithOptions(Options{MaxAge: maxAge, StaleWhileRevalidate: swr})
}
