// File: router.go
package concave

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
)

// PanicError wraps a recovered panic value together with a stack trace.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("concave: panic recovered: %v", e.Value)
}

// routerShared holds state that must be visible across a Router and every
// sub-router derived from it via Prefix/With.
type routerShared struct {
	mu           sync.RWMutex
	logger       *slog.Logger
	errorHandler func(c *Ctx, err error)
	stdMW        []func(http.Handler) http.Handler
}

func newRouterShared() *routerShared {
	return &routerShared{logger: slog.Default(), errorHandler: defaultErrorHandler}
}

// Router is an HTTP router built on http.ServeMux, adding global and
// per-scope middleware chains, a standard-library compatibility layer,
// and a Ctx-based handler signature.
type Router struct {
	mux  *http.ServeMux
	base string

	middleware []Middleware // global chain, run by this Router's own ServeHTTP
	routeMW    []Middleware // baked into handlers registered through this Router

	shared *routerShared

	// Compat exposes a net/http-flavored registration surface bridging
	// standard http.Handler values and middleware into the same mux.
	Compat *httpRouter
}

// NewRouter constructs a ready-to-use Router.
func NewRouter() *Router {
	r := &Router{mux: http.NewServeMux(), shared: newRouterShared()}
	r.Compat = &httpRouter{r: r}
	return r
}

func (r *Router) ensureShared() {
	if r.shared == nil {
		r.shared = newRouterShared()
	}
}

func (r *Router) loggerOrDefault() *slog.Logger {
	if r.shared != nil {
		r.shared.mu.RLock()
		defer r.shared.mu.RUnlock()
		if r.shared.logger != nil {
			return r.shared.logger
		}
	}
	return slog.Default()
}

// Logger returns the router's current logger, defaulting to slog.Default().
func (r *Router) Logger() *slog.Logger { return r.loggerOrDefault() }

// SetLogger replaces the router's logger. A nil logger is a no-op.
func (r *Router) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	r.ensureShared()
	r.shared.mu.Lock()
	r.shared.logger = l
	r.shared.mu.Unlock()
}

// ErrorHandler overrides the handler invoked when a route Handler returns
// a non-nil error (including recovered panics, surfaced as *PanicError).
func (r *Router) ErrorHandler(fn func(c *Ctx, err error)) {
	r.ensureShared()
	r.shared.mu.Lock()
	r.shared.errorHandler = fn
	r.shared.mu.Unlock()
}

func (r *Router) handleError(c *Ctx, err error) {
	var eh func(*Ctx, error)
	if r.shared != nil {
		r.shared.mu.RLock()
		eh = r.shared.errorHandler
		r.shared.mu.RUnlock()
	}
	if eh == nil {
		eh = defaultErrorHandler
	}
	eh(c, err)
}

func defaultErrorHandler(c *Ctx, err error) {
	var pe *PanicError
	_ = errors.As(err, &pe)
	c.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	c.writeHeaderOnce(http.StatusInternalServerError)
	fmt.Fprintln(c.w, http.StatusText(http.StatusInternalServerError))
}

// Use registers global middleware run by this Router's own ServeHTTP,
// wrapping every request it dispatches (including ones routed to handlers
// registered via Prefix/With sub-routers sharing the same mux).
func (r *Router) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// Prefix returns a sub-router scoped under path, sharing the same mux and
// inheriting the current per-route middleware chain.
func (r *Router) Prefix(path string) *Router {
	sub := &Router{
		mux:     r.mux,
		base:    r.fullPath(path),
		routeMW: append([]Middleware{}, r.routeMW...),
		shared:  r.shared,
	}
	sub.Compat = &httpRouter{r: sub}
	return sub
}

// With returns a sub-router at the same base path with additional
// per-route middleware appended.
func (r *Router) With(mw ...Middleware) *Router {
	sub := &Router{
		mux:     r.mux,
		base:    r.base,
		routeMW: append(append([]Middleware{}, r.routeMW...), mw...),
		shared:  r.shared,
	}
	sub.Compat = &httpRouter{r: sub}
	return sub
}

func cleanLeading(s string) string {
	if s == "" {
		return "/"
	}
	if !strings.HasPrefix(s, "/") {
		return "/" + s
	}
	return s
}

func joinPath(a, b string) string {
	a = strings.TrimSuffix(a, "/")
	b = strings.Trim(b, "/")
	if a == "" {
		if b == "" {
			return "/"
		}
		return "/" + b
	}
	if b == "" {
		return a
	}
	return a + "/" + b
}

func (r *Router) fullPath(p string) string {
	return joinPath(r.base, cleanLeading(p))
}

func applyMiddleware(h Handler, mw []Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

func (r *Router) handle(method, path string, h Handler) {
	full := r.fullPath(path)
	mw := append([]Middleware{}, r.routeMW...)
	pattern := full
	if method != "" {
		pattern = method + " " + full
	}
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		c := newCtx(w, req, r.loggerOrDefault())
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = &PanicError{Value: rec, Stack: debug.Stack()}
				}
			}()
			return applyMiddleware(h, mw)(c)
		}()
		if err != nil {
			r.handleError(c, err)
		}
	})
}

func (r *Router) Get(path string, h Handler)     { r.handle(http.MethodGet, path, h) }
func (r *Router) Post(path string, h Handler)    { r.handle(http.MethodPost, path, h) }
func (r *Router) Put(path string, h Handler)     { r.handle(http.MethodPut, path, h) }
func (r *Router) Patch(path string, h Handler)   { r.handle(http.MethodPatch, path, h) }
func (r *Router) Delete(path string, h Handler)  { r.handle(http.MethodDelete, path, h) }
func (r *Router) Head(path string, h Handler)    { r.handle(http.MethodHead, path, h) }
func (r *Router) Options(path string, h Handler) { r.handle(http.MethodOptions, path, h) }

// wrapStd adapts a standard http.Handler into the mw + Ctx dispatch path,
// used by Static and the Compat bridge.
func (r *Router) wrapStd(mw []Middleware, h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		c := newCtx(w, req, r.loggerOrDefault())
		hh := func(c *Ctx) error {
			h.ServeHTTP(c.Writer(), c.Request())
			return nil
		}
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = &PanicError{Value: rec, Stack: debug.Stack()}
				}
			}()
			return applyMiddleware(hh, mw)(c)
		}()
		if err != nil {
			r.handleError(c, err)
		}
	}
}

// Static serves files from fsys under prefix, redirecting bare-prefix
// requests to the trailing-slash subtree root.
func (r *Router) Static(prefix string, fsys http.FileSystem) {
	full := r.fullPath(prefix)
	trimmed := strings.TrimSuffix(full, "/")

	fileServer := http.FileServer(fsys)
	var h http.Handler = fileServer
	if trimmed != "" {
		h = http.StripPrefix(trimmed, fileServer)
	}

	pattern := trimmed
	if pattern == "" {
		pattern = "/"
	} else {
		pattern += "/"
	}
	r.mux.Handle(pattern, r.wrapStd(r.routeMW, h))
	if trimmed != "" {
		r.mux.Handle(trimmed, r.wrapStd(r.routeMW, http.RedirectHandler(trimmed+"/", http.StatusMovedPermanently)))
	}
}

// ServeHTTP implements http.Handler, running standard-library middleware
// registered via Compat.Use outermost, then this Router's own Use() chain,
// then dispatching into the shared mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var final http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c := newCtx(w, req, r.loggerOrDefault())
		h := func(c *Ctx) error {
			r.mux.ServeHTTP(c.Writer(), c.Request())
			return nil
		}
		h = applyMiddleware(h, r.middleware)
		if err := h(c); err != nil {
			r.handleError(c, err)
		}
	})

	var stdMW []func(http.Handler) http.Handler
	if r.shared != nil {
		r.shared.mu.RLock()
		stdMW = append([]func(http.Handler) http.Handler{}, r.shared.stdMW...)
		r.shared.mu.RUnlock()
	}
	for i := len(stdMW) - 1; i >= 0; i-- {
		final = stdMW[i](final)
	}
	final.ServeHTTP(w, req)
}

// httpRouter is the net/http compatibility surface exposed as Router.Compat.
type httpRouter struct {
	r *Router
}

// Handle mounts a standard http.Handler for all HTTP methods at path.
func (h *httpRouter) Handle(path string, handler http.Handler) {
	full := h.r.fullPath(path)
	h.r.mux.Handle(full, h.r.wrapStd(h.r.routeMW, handler))
}

// HandleMethod mounts a standard http.Handler for a single method, letting
// the mux return 405 for other methods on the same path.
func (h *httpRouter) HandleMethod(method, path string, handler http.Handler) {
	full := h.r.fullPath(path)
	h.r.mux.Handle(method+" "+full, h.r.wrapStd(h.r.routeMW, handler))
}

// Mount registers handler at prefix (exact match).
func (h *httpRouter) Mount(prefix string, handler http.Handler) {
	full := h.r.fullPath(prefix)
	h.r.mux.Handle(full, h.r.wrapStd(h.r.routeMW, handler))
}

// Use registers standard net/http middleware, applied outermost around
// every request the owning Router's ServeHTTP dispatches.
func (h *httpRouter) Use(mw func(http.Handler) http.Handler) {
	h.r.ensureShared()
	h.r.shared.mu.Lock()
	h.r.shared.stdMW = append(h.r.shared.stdMW, mw)
	h.r.shared.mu.Unlock()
}

// Group creates a scoped httpRouter under prefix and invokes fn with it.
func (h *httpRouter) Group(prefix string, fn func(g *httpRouter)) {
	sub := &Router{
		mux:     h.r.mux,
		base:    h.r.fullPath(prefix),
		routeMW: append([]Middleware{}, h.r.routeMW...),
		shared:  h.r.shared,
	}
	fn(&httpRouter{r: sub})
}
