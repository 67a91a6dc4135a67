package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/concave/concave/kv"
	"github.com/concave/concave/problem"
)

// IdempotencyKeyPattern validates the Idempotency-Key header (§4.2).
var IdempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,256}$`)

// DefaultIdempotencyTTL is used when a Descriptor doesn't override it.
const DefaultIdempotencyTTL = 24 * time.Hour

// CachedResponse is what the idempotency store persists: enough to replay
// an identical response to a retried request.
type CachedResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body"`
}

// IdempotencyStore wraps a kv.Adapter with the fingerprint-check and
// single-writer-lock semantics §4.2 specifies. A store outage fails
// closed: callers get problem.Unavailable rather than silently skipping
// the idempotency guarantee (Open Question resolution #2).
type IdempotencyStore struct {
	adapter kv.Adapter
}

// NewIdempotencyStore wraps adapter.
func NewIdempotencyStore(adapter kv.Adapter) *IdempotencyStore {
	return &IdempotencyStore{adapter: adapter}
}

// Fingerprint computes the method+path+body-hash fingerprint used to
// detect a caller reusing the same Idempotency-Key for a different
// request.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Key builds the idempotency store key: (userId or "anonymous") + method +
// path + the caller-supplied Idempotency-Key.
func Key(prefix, userID, method, path, idempotencyKey string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("%s%s:%s:%s:%s", prefix, userID, method, path, idempotencyKey)
}

// Begin looks up an existing cached response for key. If found and the
// fingerprint matches, it returns (cached, true, nil) — the caller should
// replay it verbatim. If found with a differing fingerprint, it returns
// problem.Conflict. If absent, it attempts to acquire the single-writer
// lock via SET NX and returns (nil, false, nil) on success, or
// problem.Conflict if another request is already holding the lock (the
// caller should poll Begin again after a short backoff, per §4.2's
// "concurrent requests ... block and, on release, replay").
func (s *IdempotencyStore) Begin(ctx context.Context, key, fingerprint string, lockTTL time.Duration) (*CachedResponse, bool, error) {
	raw, err := s.adapter.Get(ctx, key)
	if err != nil && err != kv.ErrNotFound {
		return nil, false, problem.Wrap(problem.Unavailable, err, "idempotency store unavailable")
	}
	if err == nil {
		var entry storedEntry
		if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil {
			if entry.Locked {
				return nil, false, problem.New(problem.Conflict, "a request with this idempotency key is already in flight")
			}
			if entry.Response.Fingerprint != fingerprint {
				return nil, false, problem.New(problem.Conflict, "idempotency key reused with a different request")
			}
			return &entry.Response, true, nil
		}
	}

	lockVal, _ := json.Marshal(storedEntry{Locked: true, Response: CachedResponse{Fingerprint: fingerprint}})
	ok, err := s.adapter.SetNX(ctx, key, lockVal, lockTTL)
	if err != nil {
		return nil, false, problem.Wrap(problem.Unavailable, err, "idempotency store unavailable")
	}
	if !ok {
		return nil, false, problem.New(problem.Conflict, "a request with this idempotency key is already in flight")
	}
	return nil, false, nil
}

// Complete persists the final response for key, unless status >= 500 (§4.2:
// "Status >= 500 responses are NOT cached; retries re-execute").
func (s *IdempotencyStore) Complete(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	if resp.Status >= 500 {
		return s.adapter.Delete(ctx, key)
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	raw, err := json.Marshal(storedEntry{Locked: false, Response: resp})
	if err != nil {
		return err
	}
	if err := s.adapter.Set(ctx, key, raw, ttl); err != nil {
		return problem.Wrap(problem.Unavailable, err, "idempotency store unavailable")
	}
	return nil
}

// Abort releases the single-writer lock without caching a response, for
// when the handler itself fails before producing a final status (e.g. a
// panic recovered upstream).
func (s *IdempotencyStore) Abort(ctx context.Context, key string) error {
	return s.adapter.Delete(ctx, key)
}

type storedEntry struct {
	Locked   bool            `json:"locked"`
	Response CachedResponse  `json:"response"`
}
