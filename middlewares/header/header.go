// Package header adds, removes or pins request and response headers, and
// bundles a handful of common security and content-type presets.
package header

import (
	"strconv"

	concave "github.com/concave/concave"
)

// Options configures which headers to add or remove on the request and
// response.
type Options struct {
	Request        map[string]string
	Response       map[string]string
	RequestRemove  []string
	ResponseRemove []string
}

// New returns middleware that sets the given headers on every response.
func New(headers map[string]string) concave.Middleware {
	return WithOptions(Options{Response: headers})
}

// WithOptions returns middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			for k, v := range opts.Request {
				c.Request().Header.Set(k, v)
			}
			for _, k := range opts.RequestRemove {
				c.Request().Header.Del(k)
			}
			for k, v := range opts.Response {
				c.Header().Set(k, v)
			}
			for _, k := range opts.ResponseRemove {
				c.Header().Del(k)
			}
			return next(c)
		}
	}
}

// Set returns middleware setting a single response header.
func Set(key, value string) concave.Middleware {
	return New(map[string]string{key: value})
}

// SetRequest returns middleware setting a single request header.
func SetRequest(key, value string) concave.Middleware {
	return WithOptions(Options{Request: map[string]string{key: value}})
}

// Remove returns middleware removing the given response headers.
func Remove(keys ...string) concave.Middleware {
	return WithOptions(Options{ResponseRemove: keys})
}

// RemoveRequest returns middleware removing the given request headers.
func RemoveRequest(keys ...string) concave.Middleware {
	return WithOptions(Options{RequestRemove: keys})
}

// XSSProtection sets the legacy X-XSS-Protection header.
func XSSProtection() concave.Middleware {
	return Set("X-XSS-Protection", "1; mode=block")
}

// NoSniff sets X-Content-Type-Options: nosniff.
func NoSniff() concave.Middleware {
	return Set("X-Content-Type-Options", "nosniff")
}

// FrameDeny sets X-Frame-Options: DENY.
func FrameDeny() concave.Middleware {
	return Set("X-Frame-Options", "DENY")
}

// FrameSameOrigin sets X-Frame-Options: SAMEORIGIN.
func FrameSameOrigin() concave.Middleware {
	return Set("X-Frame-Options", "SAMEORIGIN")
}

// HSTS sets Strict-Transport-Security with the given max-age and optional
// includeSubDomains/preload directives.
func HSTS(maxAgeSeconds int, includeSubDomains, preload bool) concave.Middleware {
	v := "max-age=" + strconv.Itoa(maxAgeSeconds)
	if includeSubDomains {
		v += "; includeSubDomains"
	}
	if preload {
		v += "; preload"
	}
	return Set("Strict-Transport-Security", v)
}

// CSP sets Content-Security-Policy to policy.
func CSP(policy string) concave.Middleware {
	return Set("Content-Security-Policy", policy)
}

// ReferrerPolicy sets Referrer-Policy to policy.
func ReferrerPolicy(policy string) concave.Middleware {
	return Set("Referrer-Policy", policy)
}

// JSON sets the response Content-Type to application/json.
func JSON() concave.Middleware {
	return Set("Content-Type", "application/json; charset=utf-8")
}

// HTML sets the response Content-Type to text/html.
func HTML() concave.Middleware {
	return Set("Content-Type", "text/html; charset=utf-8")
}

// Text sets the response Content-Type to text/plain.
func Text() concave.Middleware {
	return Set("Content-Type", "text/plain; charset=utf-8")
}

// XML sets the response Content-Type to application/xml.
func XML() concave.Middleware {
	return Set("Content-Type", "application/xml; charset=utf-8")
}
