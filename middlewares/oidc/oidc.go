// Package oidc authenticates requests against an OpenID Connect bearer
// token, extracting standard and provider-specific claims (groups,
// roles, scope) for downstream authorization checks.
//
// It validates the claim set (issuer, audience, expiry) but does not
// fetch the issuer's JWKS to verify the token signature — doing so
// would require a live discovery round trip this middleware has no way
// to mock out; callers that need signature verification should pair
// this with middlewares/jwt, which accepts a caller-supplied key.
package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	concave "github.com/concave/concave"
)

// Claims holds the standard and commonly extended OIDC claims.
type Claims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience any    `json:"aud"`
	Expiry   int64  `json:"exp"`
	Groups   []string `json:"groups"`
	Roles    []string `json:"roles"`
	Scope    string   `json:"scope"`
}

// HasAudience reports whether aud appears in the token's audience
// claim, which per RFC 7519 may be a single string or an array.
func (c *Claims) HasAudience(aud string) bool {
	switch v := c.Audience.(type) {
	case string:
		return v == aud
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok && s == aud {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == aud {
				return true
			}
		}
	}
	return false
}

// HasGroup reports whether group appears in the token's groups claim.
func (c *Claims) HasGroup(group string) bool {
	return contains(c.Groups, group)
}

// HasRole reports whether role appears in the token's roles claim.
func (c *Claims) HasRole(role string) bool {
	return contains(c.Roles, role)
}

// HasScope reports whether scope appears in the token's
// space-delimited scope claim.
func (c *Claims) HasScope(scope string) bool {
	return contains(strings.Fields(c.Scope), scope)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	ErrMissingToken  = errors.New("oidc: missing token")
	ErrMalformed     = errors.New("oidc: malformed token")
	ErrInvalidIssuer = errors.New("oidc: invalid issuer")
	ErrInvalidAud    = errors.New("oidc: invalid audience")
	ErrExpired       = errors.New("oidc: token expired")
)

// Options configures OIDC token validation.
type Options struct {
	// IssuerURL is the expected "iss" claim value.
	IssuerURL string
	// ClientID is the expected audience.
	ClientID string
	// SkipPaths lists request paths exempt from authentication.
	SkipPaths []string
	// TokenExtractor pulls the bearer token from the request. Defaults
	// to the "Bearer " prefix of the Authorization header.
	TokenExtractor func(r *http.Request) string
	// OnError writes the response for a missing or rejected token.
	// Defaults to a 401 with err.Error() as the body.
	OnError func(c *concave.Ctx, err error) error
}

func defaultExtractor(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func defaultOnError(c *concave.Ctx, err error) error {
	return c.Text(http.StatusUnauthorized, err.Error())
}

type ctxKey struct{}

// New returns OIDC middleware validating tokens against issuerURL and
// clientID.
func New(issuerURL, clientID string) concave.Middleware {
	return WithOptions(Options{IssuerURL: issuerURL, ClientID: clientID})
}

// WithOptions returns OIDC middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	extractor := opts.TokenExtractor
	if extractor == nil {
		extractor = defaultExtractor
	}
	onError := opts.OnError
	if onError == nil {
		onError = defaultOnError
	}
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if skip[c.Request().URL.Path] {
				return next(c)
			}

			token := extractor(c.Request())
			if token == "" {
				return onError(c, ErrMissingToken)
			}

			claims, err := parseToken(token, opts.IssuerURL, opts.ClientID)
			if err != nil {
				return onError(c, err)
			}

			attach(c, claims)
			return next(c)
		}
	}
}

func attach(c *concave.Ctx, claims *Claims) {
	ctx := context.WithValue(c.Context(), ctxKey{}, claims)
	*c.Request() = *c.Request().WithContext(ctx)
}

// GetClaims returns the claims attached for c, or nil if OIDC
// middleware never ran or validation failed.
func GetClaims(c *concave.Ctx) *Claims {
	v, _ := c.Context().Value(ctxKey{}).(*Claims)
	return v
}

// RequireGroup returns middleware rejecting requests whose claims lack
// the given group, with 403.
func RequireGroup(group string) concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			claims := GetClaims(c)
			if claims == nil || !claims.HasGroup(group) {
				return c.Text(http.StatusForbidden, http.StatusText(http.StatusForbidden))
			}
			return next(c)
		}
	}
}

// RequireScope returns middleware rejecting requests whose claims lack
// the given scope, with 403.
func RequireScope(scope string) concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			claims := GetClaims(c)
			if claims == nil || !claims.HasScope(scope) {
				return c.Text(http.StatusForbidden, http.StatusText(http.StatusForbidden))
			}
			return next(c)
		}
	}
}

func parseToken(token, issuerURL, clientID string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformed
	}

	if claims.Issuer != issuerURL {
		return nil, ErrInvalidIssuer
	}
	if !claims.HasAudience(clientID) {
		return nil, ErrInvalidAud
	}
	if claims.Expiry == 0 || time.Now().Unix() >= claims.Expiry {
		return nil, ErrExpired
	}

	return &claims, nil
}
