// Package basicauth implements RFC 7617 HTTP Basic authentication.
package basicauth

import (
	"crypto/subtle"
	"net/http"

	concave "github.com/concave/concave"
)

// Options configures basic-auth validation.
type Options struct {
	// Validator reports whether user/pass is a valid credential pair.
	// Required — WithOptions panics if it's nil.
	Validator func(user, pass string) bool
	// Realm is advertised in the WWW-Authenticate challenge.
	Realm string
	// ErrorHandler writes the response for a missing or rejected
	// credential. Defaults to a 401 with a WWW-Authenticate challenge.
	ErrorHandler func(c *concave.Ctx) error
}

func defaultErrorHandler(realm string) func(c *concave.Ctx) error {
	return func(c *concave.Ctx) error {
		c.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
		return c.Text(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
}

func mapValidator(users map[string]string) func(user, pass string) bool {
	return func(user, pass string) bool {
		want, ok := users[user]
		if !ok {
			return false
		}
		return secureCompare(pass, want)
	}
}

// secureCompare reports whether a and b are equal, in time independent of
// their content (but not their length).
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// New returns basic-auth middleware validating against a fixed user/pass
// map, using the default realm "Restricted".
func New(users map[string]string) concave.Middleware {
	return WithOptions(Options{Validator: mapValidator(users)})
}

// WithValidator returns basic-auth middleware using a custom validator
// function.
func WithValidator(validator func(user, pass string) bool) concave.Middleware {
	return WithOptions(Options{Validator: validator})
}

// WithRealm returns basic-auth middleware validating against a fixed
// user/pass map, advertising realm in the challenge.
func WithRealm(realm string, users map[string]string) concave.Middleware {
	return WithOptions(Options{Validator: mapValidator(users), Realm: realm})
}

// WithOptions returns basic-auth middleware configured by opts. It panics
// if opts.Validator is nil.
func WithOptions(opts Options) concave.Middleware {
	if opts.Validator == nil {
		panic("basicauth: Validator is required")
	}
	realm := opts.Realm
	if realm == "" {
		realm = "Restricted"
	}
	onFail := opts.ErrorHandler
	if onFail == nil {
		onFail = defaultErrorHandler(realm)
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			user, pass, ok := c.Request().BasicAuth()
			if !ok || !opts.Validator(user, pass) {
				return onFail(c)
			}
			return next(c)
		}
	}
}
