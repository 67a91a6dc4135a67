// File: logger.go
package concave

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogMode selects the logger's rendering.
type LogMode int

const (
	// Auto picks Dev when Output is a terminal, Prod JSON otherwise.
	Auto LogMode = iota
	Dev
	Prod
)

// LoggerOptions configures the Logger middleware.
type LoggerOptions struct {
	Mode   LogMode
	Logger *slog.Logger // if set, used directly and Output is ignored
	Output io.Writer    // default os.Stderr

	Color     bool // force color on for Dev text handler
	UserAgent bool // include user_agent field

	RequestIDHeader string            // request header to read an inbound request id from
	RequestIDGen    func() string     // generator used when the header is absent; its id is set on the response under RequestIDHeader (X-Request-Id when empty)
	TraceExtractor  func(ctx context.Context) (traceID, spanID string, sampled bool)
}

// Logger returns request-logging middleware that logs one structured line
// per request after the handler completes.
func Logger(opts LoggerOptions) Middleware {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	mode := opts.Mode
	if mode == Auto {
		if isTerminal(out) {
			mode = Dev
		} else {
			mode = Prod
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else if mode == Dev {
		color := opts.Color || supportsColorEnv()
		var h slog.Handler
		if color {
			h = newColorTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
		} else {
			h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
		}
		logger = slog.New(h)
	} else {
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return func(next Handler) Handler {
		return func(c *Ctx) error {
			start := time.Now()
			err := next(c)
			dur := time.Since(start)

			status := c.StatusCode()

			reqID := ""
			if opts.RequestIDHeader != "" {
				reqID = c.Request().Header.Get(opts.RequestIDHeader)
			}
			if reqID == "" && opts.RequestIDGen != nil {
				reqID = opts.RequestIDGen()
				h := opts.RequestIDHeader
				if h == "" {
					h = "X-Request-Id"
				}
				c.Writer().Header().Set(h, reqID)
			}

			attrs := []any{
				slog.Int("status", status),
				slog.String("method", c.Request().Method),
				slog.String("path", c.Request().URL.Path),
				slog.String("host", c.Request().Host),
				slog.Int64("duration_ms", dur.Milliseconds()),
			}
			if q := c.Request().URL.RawQuery; q != "" {
				attrs = append(attrs, slog.String("query", q))
			}
			if reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}
			if opts.UserAgent {
				attrs = append(attrs, slog.String("user_agent", c.Request().UserAgent()))
			}
			if opts.TraceExtractor != nil {
				if tid, sid, sampled := opts.TraceExtractor(c.Context()); tid != "" {
					attrs = append(attrs,
						slog.String("trace_id", tid),
						slog.String("span_id", sid),
						slog.Bool("trace_sampled", sampled),
					)
				}
			}
			if mode == Dev {
				attrs = append(attrs, slog.String("latency_human", humanDuration(dur)))
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}

			logger.LogAttrs(c.Context(), levelFor(status, err), "request", toAttrSlice(attrs)...)
			return err
		}
	}
}

func toAttrSlice(vs []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(vs))
	for _, v := range vs {
		if a, ok := v.(slog.Attr); ok {
			out = append(out, a)
		}
	}
	return out
}

func levelFor(status int, err error) slog.Level {
	switch {
	case err != nil || status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

func attrInt(a slog.Attr) (int64, bool) {
	switch a.Value.Kind() {
	case slog.KindInt64:
		return a.Value.Int64(), true
	case slog.KindUint64:
		return int64(a.Value.Uint64()), true
	case slog.KindFloat64:
		return int64(a.Value.Float64()), true
	default:
		return 0, false
	}
}

func supportsColorEnv() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return false
	}
	return termSupportsColor()
}
