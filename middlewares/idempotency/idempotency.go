// Package idempotency replays a cached response when a client resends a
// request carrying an Idempotency-Key it has already used, instead of
// re-running the handler.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	concave "github.com/concave/concave"
)

// Response is the cached representation of a handler's output, persisted
// by a Store and replayed verbatim on a repeat request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ExpiresAt  time.Time
}

// Store persists Responses by idempotency key.
type Store interface {
	Get(key string) (*Response, error)
	Set(key string, resp *Response) error
	Delete(key string) error
}

// MemoryStore is a process-local Store, used by default and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*Response
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Response)}
}

// Get returns the cached Response for key, or nil if absent or expired.
func (m *MemoryStore) Get(key string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if !resp.ExpiresAt.IsZero() && time.Now().After(resp.ExpiresAt) {
		delete(m.data, key)
		return nil, nil
	}
	return resp, nil
}

// Set stores resp under key.
func (m *MemoryStore) Set(key string, resp *Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = resp
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close satisfies the Store lifecycle contract; MemoryStore holds no
// background resources.
func (m *MemoryStore) Close() error { return nil }

// Options configures the idempotency middleware.
type Options struct {
	// KeyHeader names the request header carrying the idempotency key.
	// Defaults to "Idempotency-Key".
	KeyHeader string
	// Methods lists the HTTP methods the middleware applies to. Defaults
	// to POST, PUT, PATCH and DELETE; GET and HEAD are never cached.
	Methods []string
	// KeyGenerator derives the store key from the header value and the
	// request. Defaults to using the header value as-is.
	KeyGenerator func(key string, c *concave.Ctx) string
	// TTL bounds how long a cached response is replayed before the
	// handler runs again. Zero means no expiry.
	TTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.KeyHeader == "" {
		o.KeyHeader = "Idempotency-Key"
	}
	if o.Methods == nil {
		o.Methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	}
	if o.KeyGenerator == nil {
		o.KeyGenerator = func(key string, c *concave.Ctx) string { return key }
	}
	return o
}

func (o Options) appliesTo(method string) bool {
	for _, m := range o.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// New returns idempotency middleware backed by an in-memory Store.
func New() concave.Middleware {
	return WithStore(NewMemoryStore(), Options{})
}

// WithOptions returns idempotency middleware backed by an in-memory Store,
// configured by opts.
func WithOptions(opts Options) concave.Middleware {
	return WithStore(NewMemoryStore(), opts)
}

// WithStore returns idempotency middleware backed by an explicit Store.
func WithStore(store Store, opts Options) concave.Middleware {
	opts = opts.withDefaults()
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if !opts.appliesTo(c.Request().Method) {
				return next(c)
			}
			raw := c.Request().Header.Get(opts.KeyHeader)
			if raw == "" {
				return next(c)
			}
			key := hashKey(opts.KeyGenerator(raw, c))

			cached, err := store.Get(key)
			if err != nil {
				return err
			}
			if cached != nil {
				return replay(c, cached)
			}

			orig := c.Writer()
			cap := &captureWriter{ResponseWriter: orig, header: orig.Header(), status: http.StatusOK}
			c.SetWriter(cap)
			herr := next(c)
			c.SetWriter(orig)
			if herr != nil {
				return herr
			}

			resp := &Response{
				StatusCode: cap.status,
				Header:     cap.header.Clone(),
				Body:       cap.buf.Bytes(),
			}
			if opts.TTL > 0 {
				resp.ExpiresAt = time.Now().Add(opts.TTL)
			}
			if err := store.Set(key, resp); err != nil {
				return err
			}

			orig.WriteHeader(cap.status)
			_, werr := orig.Write(cap.buf.Bytes())
			return werr
		}
	}
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func replay(c *concave.Ctx, resp *Response) error {
	h := c.Writer().Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}
	h.Set("Idempotent-Replayed", "true")
	c.Writer().WriteHeader(resp.StatusCode)
	_, err := c.Writer().Write(resp.Body)
	return err
}

// captureWriter buffers the handler's output so it can be persisted
// alongside the request before being written to the client.
type captureWriter struct {
	http.ResponseWriter
	header      http.Header
	status      int
	buf         bytes.Buffer
	wroteHeader bool
}

func (w *captureWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.buf.Write(p)
}
