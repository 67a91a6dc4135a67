package resource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	concave "github.com/concave/concave"
	"github.com/concave/concave/filter"
	"github.com/concave/concave/problem"
)

func create(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		effective, err := resolveEffective(c, d, "create", nil)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		_ = effective // create has no existing row to scope against; scope governs whether the caller may create at all

		return withIdempotency(c, d, func() (int, Record, error) {
			return traced(c, d, "create", func() (int, Record, error) {
				var values Record
				if err := c.Bind(&values, 1<<20); err != nil {
					return 0, nil, problem.Wrap(problem.Validation, err, "invalid request body")
				}
				if err := runHooks(c.Context(), d.BeforeCreate, "create", values); err != nil {
					return 0, nil, problem.As(err)
				}
				record, err := d.Driver.Create(c.Context(), values)
				if err != nil {
					return 0, nil, problem.As(err)
				}
				_ = runHooks(c.Context(), d.AfterCreate, "create", record)
				if eng.Broker != nil {
					eng.Broker.Poke(d.Name, currentCursor(c.Context(), eng))
				}
				return http.StatusCreated, record, nil
			})
		})
	}
}

func update(d *Descriptor, eng *Engine, replace bool) concave.Handler {
	return func(c *concave.Ctx) error {
		id := c.Param("id")
		effective, err := resolveEffective(c, d, "update", nil)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}

		return withIdempotency(c, d, func() (int, Record, error) {
			return traced(c, d, "update", func() (int, Record, error) {
				existing, found, err := d.Driver.Get(c.Context(), id, effective, nil)
				if err != nil {
					return 0, nil, problem.As(err)
				}
				if !found {
					return 0, nil, problem.New(problem.NotFound, "record not found")
				}

				ifMatch := c.Request().Header.Get("If-Match")
				if ifMatch != "" {
					current := d.ResolveETag(existing)
					if !MatchesIfMatch(ifMatch, current) {
						pe := problem.New(problem.PreconditionFailed, "resource has been modified")
						pe.CurrentETag = current
						return 0, nil, pe
					}
				}
				precondition := d.buildPrecondition(ifMatch, existing)

				var patch Record
				if err := c.Bind(&patch, 1<<20); err != nil {
					return 0, nil, problem.Wrap(problem.Validation, err, "invalid request body")
				}
				if err := runHooks(c.Context(), d.BeforeUpdate, "update", patch); err != nil {
					return 0, nil, problem.As(err)
				}
				record, err := d.Driver.Update(c.Context(), id, effective, patch, replace, precondition)
				if err != nil {
					if errors.Is(err, ErrConcurrencyConflict) {
						return 0, nil, concurrencyConflict(c, d, id, effective)
					}
					return 0, nil, problem.As(err)
				}
				_ = runHooks(c.Context(), d.AfterUpdate, "update", record)
				if eng.Broker != nil {
					eng.Broker.Poke(d.Name, currentCursor(c.Context(), eng))
				}
				return http.StatusOK, record, nil
			})
		})
	}
}

func del(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		id := c.Param("id")
		effective, err := resolveEffective(c, d, "delete", nil)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}

		return withIdempotency(c, d, func() (int, Record, error) {
			return traced(c, d, "delete", func() (int, Record, error) {
				existing, found, err := d.Driver.Get(c.Context(), id, effective, nil)
				if err != nil {
					return 0, nil, problem.As(err)
				}
				if !found {
					return 0, nil, problem.New(problem.NotFound, "record not found")
				}
				ifMatch := c.Request().Header.Get("If-Match")
				if ifMatch != "" {
					current := d.ResolveETag(existing)
					if !MatchesIfMatch(ifMatch, current) {
						pe := problem.New(problem.PreconditionFailed, "resource has been modified")
						pe.CurrentETag = current
						return 0, nil, pe
					}
				}
				precondition := d.buildPrecondition(ifMatch, existing)
				if err := runHooks(c.Context(), d.BeforeDelete, "delete", existing); err != nil {
					return 0, nil, problem.As(err)
				}
				if err := d.Driver.Delete(c.Context(), id, effective, precondition); err != nil {
					if errors.Is(err, ErrConcurrencyConflict) {
						return 0, nil, concurrencyConflict(c, d, id, effective)
					}
					return 0, nil, problem.As(err)
				}
				_ = runHooks(c.Context(), d.AfterDelete, "delete", existing)
				if eng.Broker != nil {
					eng.Broker.Poke(d.Name, currentCursor(c.Context(), eng))
				}
				return http.StatusNoContent, nil, nil
			})
		})
	}
}

func batchCreate(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		if _, err := resolveEffective(c, d, "create", nil); err != nil {
			return problem.As(err).WriteTo(c)
		}
		var body struct {
			Items []Record `json:"items"`
		}
		if err := c.Bind(&body, 8<<20); err != nil {
			return problem.Wrap(problem.Validation, err, "invalid request body").WriteTo(c)
		}
		if len(body.Items) == 0 {
			return problem.New(problem.Validation, "items must be a non-empty array").WriteTo(c)
		}
		if len(body.Items) > d.maxBatchSize() {
			return problem.New(problem.TooLarge, "batch exceeds maximum size").WriteTo(c)
		}
		for _, item := range body.Items {
			if err := runHooks(c.Context(), d.BeforeCreate, "create", item); err != nil {
				return problem.As(err).WriteTo(c)
			}
		}
		created, err := d.Driver.BatchCreate(c.Context(), body.Items)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		if eng.Broker != nil {
			eng.Broker.Poke(d.Name, currentCursor(c.Context(), eng))
		}
		return c.JSON(http.StatusCreated, map[string]any{"items": created})
	}
}

func batchUpdate(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		callerFilter, err := parseFilter(eng.Registry, c.Query("filter"))
		if err != nil {
			return problem.Wrap(problem.FilterParse, err, "invalid filter").WriteTo(c)
		}
		effective, err := resolveEffective(c, d, "update", callerFilter)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		var patch Record
		if err := c.Bind(&patch, 1<<20); err != nil {
			return problem.Wrap(problem.Validation, err, "invalid request body").WriteTo(c)
		}
		n, err := d.Driver.BatchUpdate(c.Context(), effective, patch)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		if eng.Broker != nil {
			eng.Broker.Poke(d.Name, currentCursor(c.Context(), eng))
		}
		return c.JSON(http.StatusOK, map[string]any{"count": n})
	}
}

func batchDelete(d *Descriptor, eng *Engine) concave.Handler {
	return func(c *concave.Ctx) error {
		callerFilter, err := parseFilter(eng.Registry, c.Query("filter"))
		if err != nil {
			return problem.Wrap(problem.FilterParse, err, "invalid filter").WriteTo(c)
		}
		effective, err := resolveEffective(c, d, "delete", callerFilter)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		n, err := d.Driver.BatchDelete(c.Context(), effective)
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		if eng.Broker != nil {
			eng.Broker.Poke(d.Name, currentCursor(c.Context(), eng))
		}
		return c.JSON(http.StatusOK, map[string]any{"count": n})
	}
}

func currentCursor(ctx context.Context, eng *Engine) uint64 {
	n, _ := eng.Log.Cursor(ctx)
	return n
}

// concurrencyConflict re-fetches id after a Driver reports
// ErrConcurrencyConflict, so the 412 response carries the ETag the
// winning write actually produced rather than the stale one the caller
// sent with If-Match. If the winner deleted the row instead, this
// reports NotFound.
func concurrencyConflict(c *concave.Ctx, d *Descriptor, id string, effective *filter.Expr) error {
	fresh, found, err := d.Driver.Get(c.Context(), id, effective, nil)
	if err != nil {
		return problem.As(err)
	}
	if !found {
		return problem.New(problem.NotFound, "record not found")
	}
	pe := problem.New(problem.PreconditionFailed, "resource has been modified")
	pe.CurrentETag = d.ResolveETag(fresh)
	return pe
}

// withIdempotency wraps a mutating handler body with the §4.2 idempotency
// lifecycle when the caller supplied an Idempotency-Key, replaying a
// cached response or serializing concurrent retries via the store's
// single-writer lock. Without the header it just runs fn directly.
func withIdempotency(c *concave.Ctx, d *Descriptor, fn func() (status int, record Record, err error)) error {
	idemKey := c.Request().Header.Get("Idempotency-Key")
	if idemKey == "" || d.IdempotencyStore == nil {
		status, record, err := fn()
		if err != nil {
			return problem.As(err).WriteTo(c)
		}
		return writeResult(c, status, record)
	}

	if !IdempotencyKeyPattern.MatchString(idemKey) {
		return problem.New(problem.Validation, "invalid Idempotency-Key").WriteTo(c)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return problem.Wrap(problem.Validation, err, "reading request body").WriteTo(c)
	}
	c.Request().Body = io.NopCloser(bytes.NewReader(body))

	userID := ""
	if u := currentUser(c); u != nil {
		userID = u.Subject()
	}
	key := Key(d.kvKeyPrefix(), userID, c.Request().Method, c.Request().URL.Path, idemKey)
	fingerprint := Fingerprint(c.Request().Method, c.Request().URL.Path, body)

	ttl := time.Duration(d.IdempotencyTTL) * time.Second
	cached, replay, err := d.IdempotencyStore.Begin(c.Context(), key, fingerprint, 30*time.Second)
	if err != nil {
		return problem.As(err).WriteTo(c)
	}
	if replay {
		for k, v := range cached.Headers {
			c.Header().Set(k, v)
		}
		return c.Bytes(cached.Status, cached.Body, c.Header().Get("Content-Type"))
	}

	status, record, fnErr := fn()
	if fnErr != nil {
		_ = d.IdempotencyStore.Abort(c.Context(), key)
		return problem.As(fnErr).WriteTo(c)
	}

	capture := &bodyCaptureWriter{ResponseWriter: c.Writer(), status: status}
	c.SetWriter(capture)
	resultErr := writeResult(c, status, record)
	_ = d.IdempotencyStore.Complete(c.Context(), key, CachedResponse{
		Fingerprint: fingerprint,
		Status:      status,
		Headers:     map[string]string{"Content-Type": "application/json"},
		Body:        capture.buf.Bytes(),
	}, ttl)
	return resultErr
}

// bodyCaptureWriter records the status and body bytes a handler writes,
// so withIdempotency can persist the exact response a replayed request
// must reproduce (§4.2). Mirrors the statusWriter wrapper other
// middlewares in this codebase install via Ctx.SetWriter.
type bodyCaptureWriter struct {
	http.ResponseWriter
	status      int
	buf         bytes.Buffer
	wroteHeader bool
}

func (w *bodyCaptureWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *bodyCaptureWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

func writeResult(c *concave.Ctx, status int, record Record) error {
	if record == nil {
		return c.NoContent()
	}
	return c.JSON(status, record)
}
