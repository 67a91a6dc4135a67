// Package recover provides panic-recovery middleware with a configurable
// error handler and stack-trace logging, independent of the router's own
// outer recovery (see concave.PanicError) so it can be tuned per mount
// point.
package recover

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	concave "github.com/concave/concave"
)

// Options configures panic recovery.
type Options struct {
	// ErrorHandler converts a recovered panic value and stack trace into
	// a response. Defaults to writing 500 Internal Server Error.
	ErrorHandler func(c *concave.Ctx, err any, stack []byte) error
	// DisablePrintStack suppresses the stack trace from the log line.
	DisablePrintStack bool
	// Logger receives the "panic recovered" log line. Defaults to
	// c.Logger().
	Logger *slog.Logger
	// StackSize caps the number of captured stack-trace bytes. Zero
	// means unbounded.
	StackSize int
}

func defaultErrorHandler(c *concave.Ctx, err any, stack []byte) error {
	return c.Text(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

// New returns panic-recovery middleware with default options.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// WithOptions returns panic-recovery middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = defaultErrorHandler
	}
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) (err error) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				stack := debug.Stack()
				if opts.StackSize > 0 && len(stack) > opts.StackSize {
					stack = stack[:opts.StackSize]
				}

				logger := opts.Logger
				if logger == nil {
					logger = c.Logger()
				}
				if opts.DisablePrintStack {
					logger.Error("panic recovered", "error", rec)
				} else {
					logger.Error("panic recovered", "error", rec, "stack", string(stack))
				}

				err = opts.ErrorHandler(c, rec, stack)
			}()
			return next(c)
		}
	}
}
