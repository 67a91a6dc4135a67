// Package retry re-invokes a handler chain when it fails, with
// configurable backoff and a pluggable retry predicate.
package retry

import (
	"net/http"
	"time"

	concave "github.com/concave/concave"
)

// Options configures retry behavior.
type Options struct {
	// MaxRetries is the number of additional attempts after the first.
	// Defaults to 2.
	MaxRetries int
	// Delay is the wait before the first retry. Defaults to 10ms.
	Delay time.Duration
	// MaxDelay caps the backoff delay. Zero means no cap.
	MaxDelay time.Duration
	// Multiplier grows Delay after each retry (Delay *= Multiplier).
	// Zero or one means no growth.
	Multiplier float64
	// RetryIf decides whether to retry, given the error returned by the
	// handler (nil if the handler set an error-class status via
	// RetryOn) and the zero-based attempt index. Defaults to
	// RetryOnError.
	RetryIf func(c *concave.Ctx, err error, attempt int) bool
	// OnRetry is called before each retry, after Delay has been
	// computed but before sleeping.
	OnRetry func(c *concave.Ctx, err error, attempt int)
}

// New returns retry middleware with default options.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// WithOptions returns retry middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	retryIf := opts.RetryIf
	if retryIf == nil {
		retryIf = RetryOnError()
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			currentDelay := delay
			var err error

			for attempt := 0; attempt <= maxRetries; attempt++ {
				rw := &retryResponseWriter{ResponseWriter: c.Writer(), status: http.StatusOK}
				c.SetWriter(rw)

				err = next(c)

				if attempt == maxRetries {
					break
				}
				if !retryIf(c, err, attempt) {
					break
				}
				if opts.OnRetry != nil {
					opts.OnRetry(c, err, attempt)
				}
				if currentDelay > 0 {
					time.Sleep(currentDelay)
				}
				if opts.Multiplier > 0 {
					currentDelay = time.Duration(float64(currentDelay) * opts.Multiplier)
					if opts.MaxDelay > 0 && currentDelay > opts.MaxDelay {
						currentDelay = opts.MaxDelay
					}
				}
			}

			return err
		}
	}
}

// RetryOn returns a RetryIf predicate that retries when the response
// status written by the handler matches one of codes. It ignores err.
func RetryOn(codes ...int) func(c *concave.Ctx, err error, attempt int) bool {
	set := make(map[int]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return func(c *concave.Ctx, err error, attempt int) bool {
		rw, ok := c.Writer().(*retryResponseWriter)
		if !ok {
			return false
		}
		return set[rw.status]
	}
}

// RetryOnError returns a RetryIf predicate that retries whenever the
// handler returned a non-nil error.
func RetryOnError() func(c *concave.Ctx, err error, attempt int) bool {
	return func(c *concave.Ctx, err error, attempt int) bool {
		return err != nil
	}
}

// NoRetry returns a RetryIf predicate that never retries.
func NoRetry() func(c *concave.Ctx, err error, attempt int) bool {
	return func(c *concave.Ctx, err error, attempt int) bool {
		return false
	}
}

type retryResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *retryResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *retryResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(p)
}
