// Package requestlog logs each request/response pair through log/slog,
// the structured logger the rest of the module is built on.
package requestlog

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	concave "github.com/concave/concave"
)

// Options configures what request-log records contain.
type Options struct {
	Logger *slog.Logger
	// LogHeaders adds a "headers" attribute with the request headers,
	// redacting sensitive ones (Authorization, Cookie, ...).
	LogHeaders bool
	// LogBody adds a "body" attribute with the request body. The body
	// is read into memory and restored so handlers still see it.
	LogBody     bool
	SkipPaths   []string
	SkipMethods []string
	// MaxBodySize caps how much of the body is captured. Defaults to
	// 64KB.
	MaxBodySize int64
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
}

// WithLogger returns request-log middleware writing to logger with
// default options.
func WithLogger(logger *slog.Logger) concave.Middleware {
	return WithOptions(Options{Logger: logger})
}

// Full returns request-log middleware logging headers and bodies.
func Full(logger *slog.Logger) concave.Middleware {
	return WithOptions(Options{Logger: logger, LogHeaders: true, LogBody: true})
}

// WithOptions returns request-log middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	skipPaths := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skipPaths[p] = true
	}
	skipMethods := make(map[string]bool, len(opts.SkipMethods))
	for _, m := range opts.SkipMethods {
		skipMethods[strings.ToUpper(m)] = true
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			req := c.Request()
			if skipPaths[req.URL.Path] || skipMethods[strings.ToUpper(req.Method)] {
				return next(c)
			}

			attrs := []any{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
			}
			if q := req.URL.RawQuery; q != "" {
				attrs = append(attrs, slog.String("query", q))
			}

			if opts.LogHeaders {
				h := make(map[string]string, len(req.Header))
				for name := range req.Header {
					if sensitiveHeaders[strings.ToLower(name)] {
						h[name] = "REDACTED"
					} else {
						h[name] = req.Header.Get(name)
					}
				}
				attrs = append(attrs, slog.Any("headers", h))
			}

			if opts.LogBody && req.Body != nil {
				limited := io.LimitReader(req.Body, maxBody)
				body, _ := io.ReadAll(limited)
				req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), req.Body))
				attrs = append(attrs, slog.String("body", string(body)))
			}

			start := time.Now()
			rw := &statusWriter{ResponseWriter: c.Writer(), status: http.StatusOK}
			c.SetWriter(rw)

			err := next(c)

			attrs = append(attrs,
				slog.Int("status", rw.status),
				slog.Duration("latency", time.Since(start)),
			)
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}

			logger.Info("request", attrs...)
			return err
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(p)
}
