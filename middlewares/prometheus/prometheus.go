// Package prometheus exposes request counters, latency histograms, and
// response-size histograms via a real prometheus.Registry, scraped
// through the standard promhttp exposition handler.
package prometheus

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	concave "github.com/concave/concave"
)

// Options configures metric naming, buckets, and which paths to skip.
type Options struct {
	Namespace   string
	Subsystem   string
	SkipPaths   []string
	Buckets     []float64
	MetricsPath string
	// Registry is the prometheus registry metrics are registered into.
	// Defaults to a fresh prometheus.NewRegistry().
	Registry *prometheus.Registry
}

// Metrics holds the registered collectors for one middleware instance.
type Metrics struct {
	opts     Options
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
	activeGauge     prometheus.Gauge

	skip map[string]bool

	total  int64
	active int64
}

// NewMetrics creates and registers the collectors described by opts.
func NewMetrics(opts Options) *Metrics {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	buckets := opts.Buckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	m := &Metrics{opts: opts, registry: reg, skip: skip}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"method", "path", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   buckets,
	}, []string{"method", "path"})

	m.responseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
	}, []string{"method", "path"})

	m.activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "http_requests_active",
		Help:      "Number of in-flight HTTP requests.",
	})

	reg.MustRegister(m.requestsTotal, m.requestDuration, m.responseSize, m.activeGauge)
	return m
}

// New returns metrics middleware backed by a fresh, unexposed registry.
// Use NewMetrics directly to also serve the collected metrics.
func New() concave.Middleware {
	return NewMetrics(Options{}).Middleware()
}

// Middleware returns middleware recording request counts, latency, and
// response size for every non-skipped request.
func (m *Metrics) Middleware() concave.Middleware {
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			path := c.Request().URL.Path
			if m.skip[path] {
				return next(c)
			}

			atomic.AddInt64(&m.active, 1)
			m.activeGauge.Inc()
			defer func() {
				atomic.AddInt64(&m.active, -1)
				m.activeGauge.Dec()
			}()

			rw := &captureWriter{ResponseWriter: c.Writer(), status: http.StatusOK}
			c.SetWriter(rw)

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			method := c.Request().Method
			status := strconv.Itoa(rw.status)

			atomic.AddInt64(&m.total, 1)
			m.requestsTotal.WithLabelValues(method, path, status).Inc()
			m.requestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
			m.responseSize.WithLabelValues(method, path).Observe(float64(rw.size))

			return err
		}
	}
}

// Handler returns a handler serving the registry's metrics in the
// Prometheus text exposition format.
func (m *Metrics) Handler() concave.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *concave.Ctx) error {
		h.ServeHTTP(c.Writer(), c.Request())
		return nil
	}
}

// RegisterEndpoint mounts Handler at opts.MetricsPath (default
// "/metrics") on r.
func (m *Metrics) RegisterEndpoint(r *concave.Router) {
	path := m.opts.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	r.Get(path, m.Handler())
}

// TotalRequests returns the number of requests recorded so far.
func (m *Metrics) TotalRequests() int64 {
	return atomic.LoadInt64(&m.total)
}

// ActiveRequests returns the number of in-flight requests.
func (m *Metrics) ActiveRequests() int64 {
	return atomic.LoadInt64(&m.active)
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	n, err := w.ResponseWriter.Write(p)
	w.size += n
	return n, err
}
