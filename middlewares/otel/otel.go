// Package otel instruments requests with a minimal distributed-tracing
// span model, propagated via the W3C traceparent or B3 header formats.
//
// It does not wire go.opentelemetry.io/otel's SDK: that SDK's
// trace.Span/trace.SpanContext types are opaque and built around a
// global TracerProvider, which doesn't fit a unit-testable span model
// a caller can inspect directly (InMemoryProcessor, exported
// Span/SpanContext fields). The ambient otel SDK is wired instead in
// the observability package, which starts spans on a caller-supplied
// trace.Tracer (such as one from the host's TracerProvider); neither
// package configures an exporter.
package otel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	concave "github.com/concave/concave"
)

type statusCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusCapture) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapture) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(p)
}

// StatusCode classifies how a span completed.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Status is the outcome recorded on a finished span.
type Status struct {
	Code        StatusCode
	Description string
}

// SpanContext identifies a span within a trace.
type SpanContext struct {
	TraceID    string
	SpanID     string
	TraceFlags byte
}

// IsValid reports whether sc carries both a trace and span ID.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID != "" && sc.SpanID != ""
}

// IsSampled reports whether the sampled bit is set in TraceFlags.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags&0x01 != 0
}

// Event is a timestamped annotation recorded on a span.
type Event struct {
	Name       string
	Attributes map[string]any
	Time       time.Time
}

// Span records one traced unit of work.
type Span struct {
	Name       string
	Context    SpanContext
	Parent     SpanContext
	Attributes map[string]any
	Events     []Event
	Status     Status
	StartTime  time.Time
	EndTime    time.Time

	mu sync.Mutex
}

// SetAttribute records a key/value attribute on the span.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Attributes == nil {
		s.Attributes = map[string]any{}
	}
	s.Attributes[key] = value
}

// AddEvent appends a timestamped event to the span.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, Event{Name: name, Attributes: attrs, Time: time.Now()})
}

// Duration returns the span's elapsed time. Zero if the span hasn't
// ended yet.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// SpanProcessor receives finished spans.
type SpanProcessor interface {
	Process(span *Span)
}

type noopProcessor struct{}

func (noopProcessor) Process(*Span) {}

// InMemoryProcessor collects spans in memory, for tests and local
// inspection.
type InMemoryProcessor struct {
	mu    sync.Mutex
	spans []*Span
}

// Process appends span to the in-memory buffer.
func (p *InMemoryProcessor) Process(span *Span) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spans = append(p.spans, span)
}

// Spans returns a snapshot of the spans processed so far.
func (p *InMemoryProcessor) Spans() []*Span {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Span, len(p.spans))
	copy(out, p.spans)
	return out
}

// Clear discards all collected spans.
func (p *InMemoryProcessor) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spans = nil
}

// Options configures span creation and propagation.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Propagator selects the inbound/outbound header format: "traceparent"
	// (W3C, the default) or "b3".
	Propagator string
	SkipPaths  []string
	// Sampler, if set, decides per-path whether to create a span.
	Sampler       func(path string) bool
	SpanProcessor SpanProcessor
	OnStart       func(span *Span)
	OnEnd         func(span *Span)
}

type ctxKey struct{}

// New returns tracing middleware with default options (W3C
// traceparent propagation, spans dropped — no processor configured).
func New() concave.Middleware {
	return WithOptions(Options{})
}

// WithOptions returns tracing middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	processor := opts.SpanProcessor
	if processor == nil {
		processor = noopProcessor{}
	}
	propagator := opts.Propagator
	if propagator == "" {
		propagator = "traceparent"
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = func(string) bool { return true }
	}
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			path := c.Request().URL.Path
			if skip[path] || !sampler(path) {
				return next(c)
			}

			parent := extractContext(c, propagator)
			traceID := parent.TraceID
			if traceID == "" {
				traceID = newTraceID()
			}

			span := &Span{
				Name: c.Request().Method + " " + path,
				Context: SpanContext{
					TraceID:    traceID,
					SpanID:     newSpanID(),
					TraceFlags: 0x01,
				},
				Parent:     parent,
				Attributes: map[string]any{},
				StartTime:  time.Now(),
			}
			if opts.ServiceName != "" {
				span.SetAttribute("service.name", opts.ServiceName)
			}
			if opts.ServiceVersion != "" {
				span.SetAttribute("service.version", opts.ServiceVersion)
			}
			span.SetAttribute("http.method", c.Request().Method)
			span.SetAttribute("http.target", path)
			if ua := c.Request().Header.Get("User-Agent"); ua != "" {
				span.SetAttribute("http.user_agent", ua)
			}

			if opts.OnStart != nil {
				opts.OnStart(span)
			}

			ctx := context.WithValue(c.Context(), ctxKey{}, span)
			*c.Request() = *c.Request().WithContext(ctx)

			injectContext(c, span, propagator)

			statusWriter := &statusCapture{ResponseWriter: c.Writer(), status: http.StatusOK}
			c.SetWriter(statusWriter)

			err := next(c)

			status := statusWriter.status
			span.SetAttribute("http.status_code", status)
			if status >= 500 {
				span.Status = Status{Code: StatusError}
			} else {
				span.Status = Status{Code: StatusOK}
			}
			span.EndTime = time.Now()

			if opts.OnEnd != nil {
				opts.OnEnd(span)
			}
			processor.Process(span)

			return err
		}
	}
}

// GetSpan returns the span attached to c's request, or nil if tracing
// middleware never ran.
func GetSpan(c *concave.Ctx) *Span {
	v, _ := c.Context().Value(ctxKey{}).(*Span)
	return v
}

func extractContext(c *concave.Ctx, propagator string) SpanContext {
	r := c.Request()
	if propagator == "b3" {
		if b3 := r.Header.Get("b3"); b3 != "" {
			parts := strings.Split(b3, "-")
			if len(parts) >= 2 {
				return SpanContext{TraceID: parts[0], SpanID: parts[1]}
			}
		}
		traceID := r.Header.Get("X-B3-TraceId")
		spanID := r.Header.Get("X-B3-SpanId")
		if traceID != "" {
			sc := SpanContext{TraceID: traceID, SpanID: spanID}
			if r.Header.Get("X-B3-Sampled") == "1" {
				sc.TraceFlags = 0x01
			}
			return sc
		}
		return SpanContext{}
	}

	tp := r.Header.Get("traceparent")
	if tp == "" {
		return SpanContext{}
	}
	parts := strings.Split(tp, "-")
	if len(parts) != 4 {
		return SpanContext{}
	}
	flags, _ := strconv.ParseUint(parts[3], 16, 8)
	return SpanContext{TraceID: parts[1], SpanID: parts[2], TraceFlags: byte(flags)}
}

func injectContext(c *concave.Ctx, span *Span, propagator string) {
	if propagator == "b3" {
		c.Header().Set("X-B3-TraceId", span.Context.TraceID)
		c.Header().Set("X-B3-SpanId", span.Context.SpanID)
		sampled := "0"
		if span.Context.IsSampled() {
			sampled = "1"
		}
		c.Header().Set("X-B3-Sampled", sampled)
		return
	}
	c.Header().Set("traceparent", fmt.Sprintf("00-%s-%s-%02x", span.Context.TraceID, span.Context.SpanID, span.Context.TraceFlags))
}

func newTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func newSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
