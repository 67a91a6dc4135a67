// Package logger writes one line per request in a configurable template
// format, the HTTP counterpart to the structured request logs the rest
// of the module writes via slog.
package logger

import (
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	concave "github.com/concave/concave"
)

// Options configures the log output, line format, and which requests to
// skip.
type Options struct {
	// Output is the writer log lines are written to. Defaults to
	// os.Stdout.
	Output io.Writer
	// Format is a template string with ${tag} placeholders. Defaults to
	// "${method} ${path} ${status} ${latency}\n".
	//
	// Supported tags: method, path, status, latency, host, protocol,
	// referer, user_agent, bytes_out, query, ip, and header:<Name> for
	// an arbitrary request header.
	Format string
	// Skip, if non-nil and it returns true for c, suppresses the log
	// line for that request.
	Skip func(c *concave.Ctx) bool
}

const defaultFormat = "${method} ${path} ${status} ${latency}\n"

var tagPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// New returns logging middleware with default options, writing to
// os.Stdout.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// WithOptions returns logging middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	format := opts.Format
	if format == "" {
		format = defaultFormat
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if opts.Skip != nil && opts.Skip(c) {
				return next(c)
			}

			rw := &recordingWriter{ResponseWriter: c.Writer(), status: http.StatusOK}
			c.SetWriter(rw)

			start := time.Now()
			err := next(c)
			latency := time.Since(start)

			status := rw.status
			if !rw.wroteHeader {
				status = c.StatusCode()
			}

			io.WriteString(out, render(format, c, status, latency, rw.bytes))
			return err
		}
	}
}

func render(format string, c *concave.Ctx, status int, latency time.Duration, bytesOut int) string {
	return tagPattern.ReplaceAllStringFunc(format, func(m string) string {
		tag := m[2 : len(m)-1]
		return tagValue(tag, c, status, latency, bytesOut)
	})
}

func tagValue(tag string, c *concave.Ctx, status int, latency time.Duration, bytesOut int) string {
	r := c.Request()

	if name, ok := strings.CutPrefix(tag, "header:"); ok {
		return r.Header.Get(name)
	}

	switch tag {
	case "method":
		return r.Method
	case "path":
		return r.URL.Path
	case "status":
		return strconv.Itoa(status)
	case "latency":
		return latency.String()
	case "host":
		return r.Host
	case "protocol":
		return r.Proto
	case "referer":
		return r.Header.Get("Referer")
	case "user_agent":
		return r.Header.Get("User-Agent")
	case "bytes_out":
		return strconv.Itoa(bytesOut)
	case "query":
		return r.URL.RawQuery
	case "ip":
		return clientIP(r)
	default:
		return ""
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type recordingWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}
