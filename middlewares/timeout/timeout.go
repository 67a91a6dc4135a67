// Package timeout bounds how long a handler may run, writing a fallback
// response and letting the handler's goroutine observe cancellation via
// its request context if it overruns.
package timeout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	concave "github.com/concave/concave"
)

// DefaultTimeout is used when Options.Timeout is zero or negative.
const DefaultTimeout = 30 * time.Second

// Options configures the deadline and the response written on timeout.
type Options struct {
	Timeout      time.Duration
	ErrorMessage string
	// ErrorHandler writes the timeout response directly to the
	// underlying ResponseWriter. Defaults to a 503 with ErrorMessage (or
	// its own default text) as the body.
	ErrorHandler func(w http.ResponseWriter, r *http.Request)
}

// New returns timeout middleware bounding every request to d.
func New(d time.Duration) concave.Middleware {
	return WithOptions(Options{Timeout: d})
}

// WithOptions returns timeout middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ErrorMessage == "" {
		opts.ErrorMessage = http.StatusText(http.StatusServiceUnavailable)
	}
	if opts.ErrorHandler == nil {
		msg := opts.ErrorMessage
		opts.ErrorHandler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, msg)
		}
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			ctx, cancel := context.WithTimeout(c.Context(), opts.Timeout)
			defer cancel()
			*c.Request() = *c.Request().WithContext(ctx)

			done := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- fmt.Errorf("timeout: panic in handler: %v", r)
					}
				}()
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				opts.ErrorHandler(c.Writer(), c.Request())
				return nil
			}
		}
	}
}
