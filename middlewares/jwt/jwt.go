// Package jwt validates a bearer JWT on every request, injecting its
// claims into the request context for downstream handlers (and the
// auth package's scope.User adapter) to read.
package jwt

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	concave "github.com/concave/concave"
)

type ctxKey struct{}

// Options configures token location, signature verification, and the
// claims JWT must carry to be accepted.
type Options struct {
	Secret      []byte
	Issuer      string
	AuthScheme  string // default "Bearer"
	TokenLookup string // "header:Authorization" (default) or "query:<name>"
}

// New builds the middleware with default options: bearer header lookup,
// no issuer check.
func New(secret []byte) concave.Middleware {
	return WithOptions(Options{Secret: secret})
}

// WithOptions builds the middleware with explicit options, panicking on an
// unusable configuration (no secret, or an unparseable TokenLookup) since
// those are startup-time programmer errors, not request-time failures.
func WithOptions(opts Options) concave.Middleware {
	if len(opts.Secret) == 0 {
		panic("jwt: Secret is required")
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = "Bearer"
	}
	lookupKind, lookupName := "header", "Authorization"
	if opts.TokenLookup != "" {
		parts := strings.SplitN(opts.TokenLookup, ":", 2)
		if len(parts) != 2 || (parts[0] != "header" && parts[0] != "query") {
			panic("jwt: invalid TokenLookup: " + opts.TokenLookup)
		}
		lookupKind, lookupName = parts[0], parts[1]
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			raw := extractToken(c.Request(), lookupKind, lookupName, opts.AuthScheme)
			if raw == "" {
				return c.Text(http.StatusUnauthorized, "missing token")
			}

			claims := jwt.MapClaims{}
			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
			if opts.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
			}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				return opts.Secret, nil
			}, parserOpts...)
			if err != nil {
				return c.Text(http.StatusForbidden, "invalid token")
			}

			ctx := context.WithValue(c.Context(), ctxKey{}, map[string]any(claims))
			*c.Request() = *c.Request().WithContext(ctx)
			return next(c)
		}
	}
}

func extractToken(r *http.Request, kind, name, scheme string) string {
	switch kind {
	case "query":
		return r.URL.Query().Get(name)
	default:
		h := r.Header.Get(name)
		if h == "" {
			return ""
		}
		if scheme == "" {
			return h
		}
		prefix := scheme + " "
		if !strings.HasPrefix(h, prefix) {
			return ""
		}
		return strings.TrimPrefix(h, prefix)
	}
}

// GetClaims returns the verified token's claims, or nil if the middleware
// never ran (or ran but rejected the request).
func GetClaims(c *concave.Ctx) map[string]any {
	v, _ := c.Context().Value(ctxKey{}).(map[string]any)
	return v
}

// Subject returns the "sub" claim, or "" if absent.
func Subject(c *concave.Ctx) string {
	claims := GetClaims(c)
	if claims == nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
