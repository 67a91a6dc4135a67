package resource

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	concave "github.com/concave/concave"
)

// span wraps a trace.Span so every call site can call End/RecordError/
// SetStatus unconditionally, whether or not d.Tracer was configured —
// the same null-object shape used for logging (nil *slog.Logger) below.
type span struct {
	s trace.Span
}

func (sp span) End() {
	if sp.s != nil {
		sp.s.End()
	}
}

func (sp span) RecordError(err error) {
	if sp.s != nil {
		sp.s.RecordError(err)
	}
}

func (sp span) SetStatus(code codes.Code, description string) {
	if sp.s != nil {
		sp.s.SetStatus(code, description)
	}
}

// startSpan starts a span named "resource.<op>" if d.Tracer is
// configured, returning a context carrying it. If d.Tracer is nil, it
// returns ctx unchanged and a span whose methods are no-ops.
func (d *Descriptor) startSpan(ctx context.Context, op string) (context.Context, span) {
	if d.Tracer == nil {
		return ctx, span{}
	}
	ctx, s := d.Tracer.Start(ctx, "resource."+op)
	return ctx, span{s}
}

// logOutcome records a structured log line for a completed mutation if
// d.Logger is configured. Errors log at Error level; everything else
// at Debug, since per-request resource access is too frequent for Info.
func (d *Descriptor) logOutcome(ctx context.Context, op string, start time.Time, err error) {
	if d.Logger == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("entity", d.Name),
		slog.String("operation", op),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		d.Logger.LogAttrs(ctx, slog.LevelError, "resource operation failed",
			append(attrs, slog.String("error", err.Error()))...)
		return
	}
	d.Logger.LogAttrs(ctx, slog.LevelDebug, "resource operation", attrs...)
}

// traced runs fn inside a "resource.<op>" span (if d.Tracer is set)
// and logs its outcome (if d.Logger is set), recording the error on
// the span either way. The span-carrying context replaces c.Request()'s
// context for the duration of fn, so driver/hook calls that read
// c.Context() pick up the active span.
func traced(c *concave.Ctx, d *Descriptor, op string, fn func() (int, Record, error)) (int, Record, error) {
	start := time.Now()
	ctx, sp := d.startSpan(c.Context(), op)
	*c.Request() = *c.Request().WithContext(ctx)
	defer sp.End()

	status, record, err := fn()

	d.logOutcome(ctx, op, start, err)
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, err.Error())
	} else {
		sp.SetStatus(codes.Ok, "")
	}
	return status, record, err
}
