// Package observability wires the ambient go.opentelemetry.io/otel SDK
// into the request path: a span per request, propagated via the
// standard W3C traceparent/baggage headers, plus request-count and
// latency instruments recorded against a Meter. It is the real-SDK
// counterpart to middlewares/otel, which implements a unit-testable
// span model of its own rather than talking to a TracerProvider.
package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	concave "github.com/concave/concave"
)

const (
	tracerName = "github.com/concave/concave"
	meterName  = "github.com/concave/concave"
)

// Metrics holds the request-level instruments recorded by New/WithConfig.
// A nil *Metrics (the zero value of Config.Metrics) means metrics are
// skipped entirely.
type Metrics struct {
	RequestCount  metric.Int64Counter
	RequestErrors metric.Int64Counter
	Latency       metric.Float64Histogram
}

// NewMetrics builds a Metrics from meter, registering its three
// instruments. Pass the result as Config.Metrics, or call
// WithDefaultMetrics to build it from otel.Meter(meterName).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	count, err := meter.Int64Counter("http.server.request_count",
		metric.WithDescription("total HTTP requests handled"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("http.server.request_errors",
		metric.WithDescription("HTTP requests that returned a 5xx status"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000))
	if err != nil {
		return nil, err
	}
	return &Metrics{RequestCount: count, RequestErrors: errs, Latency: latency}, nil
}

// Config configures the tracing/metrics middleware.
type Config struct {
	// Tracer starts the per-request span. Required to get any tracing;
	// if nil, spans are skipped and the request context passes through
	// unchanged (aside from propagation header extraction).
	Tracer trace.Tracer
	// Propagator extracts/injects the trace context from/to request
	// headers. Defaults to a composite of W3C tracecontext and baggage.
	Propagator propagation.TextMapPropagator
	// Metrics, if set, records request count/errors/latency.
	Metrics *Metrics
	// SkipPaths are never traced or measured (e.g. health checks).
	SkipPaths []string
}

// WithDefaultTracer builds a Config wired to otel.Tracer(tracerName),
// the ambient TracerProvider registered by the host process (or the
// no-op provider if none was configured, in which case spans are
// created but never exported).
func WithDefaultTracer() Config {
	return Config{Tracer: otel.Tracer(tracerName)}
}

// WithDefaultMetrics builds the three standard instruments from
// otel.Meter(meterName) and returns them for use as Config.Metrics.
// Returns an error if instrument registration fails (a MeterProvider
// misconfiguration, not a runtime condition).
func WithDefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(meterName))
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

type headerCarrier http.Header

func (c headerCarrier) Get(key string) string { return http.Header(c).Get(key) }
func (c headerCarrier) Set(key, val string)   { http.Header(c).Set(key, val) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// New returns request-tracing middleware using cfg.Tracer/cfg.Metrics.
// A zero Config records no spans and no metrics; trace headers are still
// extracted from the request and injected into the response.
func New(cfg Config) concave.Middleware {
	propagator := cfg.Propagator
	if propagator == nil {
		propagator = propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{})
	}
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			path := c.Request().URL.Path
			if skip[path] {
				return next(c)
			}

			ctx := propagator.Extract(c.Context(), headerCarrier(c.Request().Header))

			var span trace.Span
			if cfg.Tracer != nil {
				ctx, span = cfg.Tracer.Start(ctx, c.Request().Method+" "+path,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.method", c.Request().Method),
						attribute.String("http.target", path),
					))
				defer span.End()
			}
			*c.Request() = *c.Request().WithContext(ctx)
			propagator.Inject(ctx, headerCarrier(c.Header()))

			sw := &statusWriter{ResponseWriter: c.Writer(), status: http.StatusOK}
			c.SetWriter(sw)

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			status := sw.status
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", status))
				if status >= 500 || err != nil {
					span.SetStatus(codes.Error, errString(err))
				} else {
					span.SetStatus(codes.Ok, "")
				}
			}

			if cfg.Metrics != nil {
				attrs := metric.WithAttributes(
					attribute.String("http.method", c.Request().Method),
					attribute.Int("http.status_code", status),
				)
				cfg.Metrics.RequestCount.Add(ctx, 1, attrs)
				cfg.Metrics.Latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
				if status >= 500 {
					cfg.Metrics.RequestErrors.Add(ctx, 1, attrs)
				}
			}

			return err
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
