// Package ratelimit throttles requests per key (by default, client IP)
// using a token-bucket algorithm with continuous refill.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	concave "github.com/concave/concave"
)

// Info describes the rate-limit state observed for one Allow call.
type Info struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store tracks per-key token buckets.
type Store interface {
	// Allow consumes one token for key if available, given a refill
	// rate of limit tokens per interval and a bucket capacity of burst
	// tokens.
	Allow(key string, limit int, interval time.Duration, burst int) (bool, Info)
}

type bucket struct {
	tokens float64
	last   time.Time
}

// MemoryStore is an in-process, mutex-guarded token-bucket store.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryStore returns an empty in-memory rate-limit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

// Allow implements Store.
func (s *MemoryStore) Allow(key string, limit int, interval time.Duration, burst int) (bool, Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := float64(burst)
	if capacity <= 0 {
		capacity = float64(limit)
	}
	rate := float64(limit) / interval.Seconds()
	now := time.Now()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, last: now}
		s.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		b.tokens += elapsed * rate
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.last = now
	}

	allowed := false
	if b.tokens >= 1 {
		b.tokens--
		allowed = true
	}

	remaining := int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}

	var resetAt time.Time
	if rate > 0 {
		resetAt = now.Add(time.Duration((capacity - b.tokens) / rate * float64(time.Second)))
	} else {
		resetAt = now
	}

	return allowed, Info{Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

// Options configures rate-limit middleware.
type Options struct {
	Rate     int
	Interval time.Duration
	// Burst is the bucket capacity. Defaults to Rate.
	Burst int
	// Headers adds X-RateLimit-Limit/Remaining/Reset to every response.
	Headers bool
	// KeyFunc extracts the rate-limit key from a request. Defaults to
	// the client IP (from RemoteAddr).
	KeyFunc func(c *concave.Ctx) string
	// Skip, if non-nil and it returns true, bypasses rate limiting for
	// that request.
	Skip func(c *concave.Ctx) bool
	// ErrorHandler writes the response when a request is throttled.
	// Defaults to a 429 with a plain-text body.
	ErrorHandler func(c *concave.Ctx) error
	// Store tracks per-key state. Defaults to a fresh MemoryStore.
	Store Store
}

func defaultKeyFunc(c *concave.Ctx) string {
	addr := c.Request().RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func defaultErrorHandler(c *concave.Ctx) error {
	return c.Text(http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
}

// New returns rate-limit middleware allowing rate requests per
// interval, per client IP.
func New(rate int, interval time.Duration) concave.Middleware {
	return WithOptions(Options{Rate: rate, Interval: interval})
}

// WithOptions returns rate-limit middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = defaultKeyFunc
	}
	onError := opts.ErrorHandler
	if onError == nil {
		onError = defaultErrorHandler
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = opts.Rate
	}

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			if opts.Skip != nil && opts.Skip(c) {
				return next(c)
			}

			key := keyFunc(c)
			allowed, info := store.Allow(key, opts.Rate, opts.Interval, burst)

			if opts.Headers {
				c.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
				c.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
				c.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
			}

			if !allowed {
				wait := int(time.Until(info.ResetAt).Seconds()) + 1
				c.Header().Set("Retry-After", strconv.Itoa(wait))
				return onError(c)
			}

			return next(c)
		}
	}
}

// PerSecond returns rate-limit middleware allowing rate requests per
// second, per client IP.
func PerSecond(rate int) concave.Middleware {
	return New(rate, time.Second)
}

// PerMinute returns rate-limit middleware allowing rate requests per
// minute, per client IP.
func PerMinute(rate int) concave.Middleware {
	return New(rate, time.Minute)
}

// PerHour returns rate-limit middleware allowing rate requests per
// hour, per client IP.
func PerHour(rate int) concave.Middleware {
	return New(rate, time.Hour)
}
