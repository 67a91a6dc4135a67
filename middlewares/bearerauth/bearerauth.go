// Package bearerauth validates a bearer token carried in an
// Authorization-style header, optionally attaching arbitrary claims
// derived from the token to the request context.
package bearerauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	concave "github.com/concave/concave"
)

// Sentinel errors passed to a custom ErrorHandler.
var (
	ErrTokenMissing  = errors.New("token missing")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrInvalidScheme = errors.New("invalid auth scheme")
)

// Options configures bearer-token validation.
type Options struct {
	// Validator reports whether token is valid. At least one of Validator
	// or ValidatorWithContext is required; when both are set,
	// ValidatorWithContext is used.
	Validator func(token string) bool
	// ValidatorWithContext reports validity and returns an arbitrary
	// claims value stashed on the request context for Claims/FromContext
	// to retrieve.
	ValidatorWithContext func(token string) (claims any, ok bool)
	// Header names the header carrying the token. Defaults to
	// "Authorization".
	Header string
	// AuthScheme is the scheme prefix expected before the token.
	// Defaults to "Bearer".
	AuthScheme string
	// ErrorHandler writes the response when the token is missing or
	// rejected. Defaults to 401 for a missing token and 403 otherwise.
	ErrorHandler func(c *concave.Ctx, err error) error
}

func defaultErrorHandler(c *concave.Ctx, err error) error {
	if errors.Is(err, ErrTokenMissing) {
		return c.Text(http.StatusUnauthorized, err.Error())
	}
	return c.Text(http.StatusForbidden, err.Error())
}

type ctxKey struct{}

// New returns bearer-auth middleware using the given validator.
func New(validator func(token string) bool) concave.Middleware {
	return WithOptions(Options{Validator: validator})
}

// WithHeader returns bearer-auth middleware reading the token from a
// non-default header.
func WithHeader(header string, validator func(token string) bool) concave.Middleware {
	return WithOptions(Options{Header: header, Validator: validator})
}

// WithOptions returns bearer-auth middleware configured by opts. It
// panics if neither Validator nor ValidatorWithContext is set.
func WithOptions(opts Options) concave.Middleware {
	if opts.Validator == nil && opts.ValidatorWithContext == nil {
		panic("bearerauth: Validator or ValidatorWithContext is required")
	}
	header := opts.Header
	if header == "" {
		header = "Authorization"
	}
	scheme := opts.AuthScheme
	if scheme == "" {
		scheme = "Bearer"
	}
	onFail := opts.ErrorHandler
	if onFail == nil {
		onFail = defaultErrorHandler
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			raw := c.Request().Header.Get(header)
			if raw == "" {
				return onFail(c, ErrTokenMissing)
			}
			prefix := scheme + " "
			if !strings.HasPrefix(raw, prefix) {
				return onFail(c, ErrInvalidScheme)
			}
			token := strings.TrimPrefix(raw, prefix)

			var claims any
			ok := false
			if opts.ValidatorWithContext != nil {
				claims, ok = opts.ValidatorWithContext(token)
			} else {
				ok = opts.Validator(token)
			}
			if !ok {
				return onFail(c, ErrTokenInvalid)
			}

			ctx := context.WithValue(c.Context(), ctxKey{}, tokenState{token: token, claims: claims})
			*c.Request() = *c.Request().WithContext(ctx)
			return next(c)
		}
	}
}

type tokenState struct {
	token  string
	claims any
}

// Token returns the bearer token validated for c, or "" if none.
func Token(c *concave.Ctx) string {
	s, _ := c.Context().Value(ctxKey{}).(tokenState)
	return s.token
}

// FromContext returns the raw claims value attached by
// Options.ValidatorWithContext, or nil if none.
func FromContext(c *concave.Ctx) any {
	s, _ := c.Context().Value(ctxKey{}).(tokenState)
	return s.claims
}

// Claims retrieves and type-asserts the claims value attached by
// Options.ValidatorWithContext.
func Claims[T any](c *concave.Ctx) (T, bool) {
	v, ok := FromContext(c).(T)
	return v, ok
}
