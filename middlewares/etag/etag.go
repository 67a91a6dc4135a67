// Package etag computes a content hash for GET/HEAD responses and honors
// If-None-Match, short-circuiting to 304 when the client already has the
// current representation.
package etag

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	concave "github.com/concave/concave"
)

// Options configures the hashing strategy.
type Options struct {
	// HashFunc computes the ETag payload from the response body. Defaults
	// to a hex-encoded sha256 digest.
	HashFunc func([]byte) string
	// Weak marks generated ETags as weak (W/"...").
	Weak bool
}

// New returns middleware that generates a strong ETag for every
// successful GET/HEAD response.
func New() concave.Middleware {
	return WithOptions(Options{})
}

// Weak returns middleware that generates a weak ETag for every successful
// GET/HEAD response.
func Weak() concave.Middleware {
	return WithOptions(Options{Weak: true})
}

func defaultHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// WithOptions returns middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	hash := opts.HashFunc
	if hash == nil {
		hash = defaultHash
	}
	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			method := c.Request().Method
			if method != http.MethodGet && method != http.MethodHead {
				return next(c)
			}

			orig := c.Writer()
			cap := &captureWriter{ResponseWriter: orig, status: http.StatusOK}
			c.SetWriter(cap)
			err := next(c)
			c.SetWriter(orig)
			if err != nil {
				return err
			}

			if cap.status < http.StatusOK || cap.status >= http.StatusMultipleChoices {
				orig.WriteHeader(cap.status)
				_, werr := orig.Write(cap.buf.Bytes())
				return werr
			}

			tag := `"` + hash(cap.buf.Bytes()) + `"`
			if opts.Weak {
				tag = "W/" + tag
			}
			orig.Header().Set("ETag", tag)

			if ifNoneMatchHits(c.Request().Header.Get("If-None-Match"), tag) {
				orig.WriteHeader(http.StatusNotModified)
				return nil
			}

			orig.WriteHeader(cap.status)
			_, werr := orig.Write(cap.buf.Bytes())
			return werr
		}
	}
}

func ifNoneMatchHits(header, etag string) bool {
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	bare := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == bare {
			return true
		}
	}
	return false
}

// captureWriter buffers the handler's output so its hash can be computed
// before any bytes reach the client.
type captureWriter struct {
	http.ResponseWriter
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
