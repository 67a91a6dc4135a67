// Package session adapts the key-value store (package kv) into an
// HTTP-cookie-backed session middleware, so session state survives across
// multiple instances behind a shared Redis just like the idempotency and
// scheduler stores do.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	concave "github.com/concave/concave"
	"github.com/concave/concave/kv"
)

type ctxKey struct{}

// Session holds the per-request mutable key/value bag backing one cookie.
type Session struct {
	ID      string
	mu      sync.RWMutex
	values  map[string]any
	dirty   bool
	cleared bool
}

// Get retrieves a value previously Set on the session.
func (s *Session) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Set stores a value on the session, to be persisted when the request
// completes.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
}

// Delete removes a single key from the session.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	s.dirty = true
}

// Clear empties the entire session, marking it for persistence as empty.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
	s.dirty = true
	s.cleared = true
}

func (s *Session) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Options configures cookie attributes and TTL; the zero value is a usable
// default (cookie name "session_id", path "/", 24h TTL).
type Options struct {
	CookieName   string
	CookiePath   string
	CookieSecure bool
	CookieHTTPOnly bool
	SameSite     http.SameSite
	TTL          time.Duration
}

func (o Options) withDefaults() Options {
	if o.CookieName == "" {
		o.CookieName = "session_id"
	}
	if o.CookiePath == "" {
		o.CookiePath = "/"
	}
	if o.TTL == 0 {
		o.TTL = 24 * time.Hour
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// Store persists session snapshots; Memory and a kv.Adapter-backed variant
// both implement it.
type Store interface {
	Load(ctx context.Context, id string) (map[string]any, error)
	Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error
}

// MemoryStore is a process-local Store, used by default and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]any)}
}

func (m *MemoryStore) Load(ctx context.Context, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *MemoryStore) Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = values
	return nil
}

// KVStore adapts a kv.Adapter (e.g. kv.RedisAdapter, shared across
// instances) into a session Store via gob encoding.
type KVStore struct {
	adapter kv.Adapter
	prefix  string
}

// NewKVStore wraps adapter, namespacing every key under prefix+id.
func NewKVStore(adapter kv.Adapter, prefix string) *KVStore {
	if prefix == "" {
		prefix = "session:"
	}
	return &KVStore{adapter: adapter, prefix: prefix}
}

func (k *KVStore) Load(ctx context.Context, id string) (map[string]any, error) {
	raw, err := k.adapter.Get(ctx, k.prefix+id)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var values map[string]any
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}

func (k *KVStore) Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return err
	}
	return k.adapter.Set(ctx, k.prefix+id, buf.Bytes(), ttl)
}

// New returns session middleware backed by an in-memory Store.
func New(opts Options) concave.Middleware {
	return WithStore(NewMemoryStore(), opts)
}

// WithStore returns session middleware backed by an explicit Store.
func WithStore(store Store, opts Options) concave.Middleware {
	opts = opts.withDefaults()
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			id := ""
			if cookie, err := c.Cookie(opts.CookieName); err == nil {
				id = cookie.Value
			}

			values := map[string]any{}
			isNew := id == ""
			if !isNew {
				loaded, err := store.Load(c.Context(), id)
				if err != nil {
					return err
				}
				if loaded != nil {
					values = loaded
				}
			}
			if id == "" {
				id = generateSessionID()
			}

			sess := &Session{ID: id, values: values}
			ctx := context.WithValue(c.Context(), ctxKey{}, sess)
			*c.Request() = *c.Request().WithContext(ctx)

			err := next(c)

			if sess.dirty || isNew {
				if saveErr := store.Save(c.Context(), sess.ID, sess.snapshot(), opts.TTL); saveErr != nil && err == nil {
					err = saveErr
				}
				c.SetCookie(&http.Cookie{
					Name:     opts.CookieName,
					Value:    sess.ID,
					Path:     opts.CookiePath,
					Secure:   opts.CookieSecure,
					HttpOnly: opts.CookieHTTPOnly,
					SameSite: opts.SameSite,
					MaxAge:   int(opts.TTL.Seconds()),
				})
			}
			return err
		}
	}
}

// Get returns the Session attached to the request by New/WithStore
// middleware, or nil if no session middleware ran; it behaves exactly
// like FromContext.
func Get(c *concave.Ctx) *Session {
	return FromContext(c)
}

// FromContext extracts the Session from the request context.
func FromContext(c *concave.Ctx) *Session {
	s, _ := c.Context().Value(ctxKey{}).(*Session)
	return s
}

func generateSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("session: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
