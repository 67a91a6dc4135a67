// Package methodoverride lets a POST request carry its real HTTP method in
// a header, query parameter, or form field, for clients (HTML forms,
// restrictive proxies) that can't issue PUT/PATCH/DELETE directly.
package methodoverride

import (
	"net/http"
	"strings"

	concave "github.com/concave/concave"
)

// Options configures the override source and the set of methods a POST
// request may be rewritten to.
type Options struct {
	// Header names the override header. Defaults to
	// "X-Http-Method-Override".
	Header string
	// Methods lists the methods a POST request may be rewritten to.
	// Defaults to PUT, PATCH, DELETE.
	Methods []string
}

// New returns method-override middleware with default options.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// WithOptions returns method-override middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	header := opts.Header
	if header == "" {
		header = "X-Http-Method-Override"
	}
	methods := opts.Methods
	if methods == nil {
		methods = []string{http.MethodPut, http.MethodPatch, http.MethodDelete}
	}
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = true
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if c.Request().Method != http.MethodPost {
				return next(c)
			}

			override := c.Request().Header.Get(header)
			if override == "" {
				override = c.Request().URL.Query().Get("_method")
			}
			if override == "" && strings.HasPrefix(c.Request().Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
				if err := c.Request().ParseForm(); err == nil {
					override = c.Request().PostForm.Get("_method")
				}
			}

			override = strings.ToUpper(strings.TrimSpace(override))
			if override != "" && allowed[override] {
				c.Request().Method = override
			}
			return next(c)
		}
	}
}
