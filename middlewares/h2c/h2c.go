// Package h2c detects and optionally serves HTTP/2 cleartext (h2c)
// connections: requests either sent as HTTP/2 prior knowledge, or
// upgraded in-band from an HTTP/1.1 request carrying the Upgrade: h2c
// handshake (RFC 7540 §3.2).
package h2c

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	concave "github.com/concave/concave"
)

// connectionPreface is the fixed byte sequence an HTTP/2 client sends
// before any frames, used to detect prior-knowledge connections.
var connectionPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// Info describes how a request arrived: over HTTP/2 prior knowledge,
// upgraded in-band from HTTP/1.1, or plain HTTP/1.x. Upgraded is set for
// any request carrying the h2c upgrade handshake, whether or not the
// connection was taken over.
type Info struct {
	IsHTTP2  bool
	Direct   bool
	Upgraded bool
}

type infoKey struct{}

// Options configures h2c detection and upgrade handling.
type Options struct {
	// AllowUpgrade permits an in-band Upgrade: h2c request to take over
	// the connection.
	AllowUpgrade bool
	// AllowDirect marks HTTP/2 prior-knowledge requests (ProtoMajor==2)
	// as Direct in Info. Actual prior-knowledge framing must be
	// intercepted at the listener level — net/http has already parsed
	// the request by the time middleware runs.
	AllowDirect bool
	// OnUpgrade is called with the originating request when an
	// in-band upgrade is accepted.
	OnUpgrade func(r *http.Request)
	// Server is the HTTP/2 server used to serve a hijacked connection
	// after upgrade. Defaults to &http2.Server{}.
	Server *http2.Server
}

func (o Options) server() *http2.Server {
	if o.Server != nil {
		return o.Server
	}
	return &http2.Server{}
}

// New returns h2c middleware that detects and upgrades h2c connections.
func New() concave.Middleware {
	return WithOptions(Options{AllowUpgrade: true, AllowDirect: true})
}

// Detect returns h2c middleware that only annotates the request with
// Info, without upgrading anything.
func Detect() concave.Middleware {
	return WithOptions(Options{AllowDirect: true})
}

// WithOptions returns h2c middleware configured by opts.
func WithOptions(opts Options) concave.Middleware {
	srv := opts.server()

	return func(next concave.Handler) concave.Handler {
		return func(c *concave.Ctx) error {
			r := c.Request()
			info := &Info{}

			switch {
			case r.ProtoMajor == 2:
				info.IsHTTP2 = true
				if opts.AllowDirect {
					info.Direct = true
				}
			case isH2CUpgrade(r):
				info.IsHTTP2 = true
				info.Upgraded = true
				if opts.AllowUpgrade && hijackUpgrade(c, opts, srv) {
					attachInfo(c, info)
					return nil
				}
			}

			attachInfo(c, info)
			return next(c)
		}
	}
}

func attachInfo(c *concave.Ctx, info *Info) {
	ctx := context.WithValue(c.Context(), infoKey{}, info)
	*c.Request() = *c.Request().WithContext(ctx)
}

// hijackUpgrade takes over the connection for an accepted h2c upgrade,
// writing the 101 response and handing the raw connection to an HTTP/2
// server. Returns false (leaving the request to be handled normally) if
// the underlying writer can't be hijacked.
func hijackUpgrade(c *concave.Ctx, opts Options, srv *http2.Server) bool {
	hj, ok := c.Writer().(http.Hijacker)
	if !ok {
		return false
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return false
	}
	if rw != nil {
		rw.Flush()
	}
	io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n")

	if opts.OnUpgrade != nil {
		opts.OnUpgrade(c.Request())
	}

	go srv.ServeConn(conn, &http2.ServeConnOpts{Handler: http.NotFoundHandler()})
	return true
}

// GetInfo returns the h2c Info attached to c's request, or a zero Info
// if h2c middleware never ran.
func GetInfo(c *concave.Ctx) *Info {
	if info, ok := c.Context().Value(infoKey{}).(*Info); ok {
		return info
	}
	return &Info{}
}

// IsHTTP2 reports whether c's request arrived over HTTP/2, by prior
// knowledge or upgrade.
func IsHTTP2(c *concave.Ctx) bool {
	return GetInfo(c).IsHTTP2
}

// isH2CUpgrade reports whether r carries a well-formed in-band h2c
// upgrade request: Connection: Upgrade, Upgrade: h2c, and a
// HTTP2-Settings payload.
func isH2CUpgrade(r *http.Request) bool {
	if !containsToken(r.Header.Get("Connection"), "upgrade") {
		return false
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "h2c") {
		return false
	}
	return r.Header.Get("HTTP2-Settings") != ""
}

// containsToken reports whether header is a comma-separated list
// containing token, case-insensitively.
func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// ParseSettings decodes the base64url-encoded HTTP2-Settings header, or
// returns nil if the request has none.
func ParseSettings(r *http.Request) ([]byte, error) {
	header := r.Header.Get("HTTP2-Settings")
	if header == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(header)
}

// IsHTTP2Preface reports whether data begins with the HTTP/2 connection
// preface.
func IsHTTP2Preface(data []byte) bool {
	return bytes.HasPrefix(data, connectionPreface)
}

// NewServerHandler wraps handler with h2c support at the raw
// net/http.Handler level: an in-band Upgrade: h2c request is hijacked
// and handed to an HTTP/2 server; everything else (including
// prior-knowledge HTTP/2, which net/http has already parsed as a
// regular request by the time a Handler sees it) is dispatched to
// handler unchanged.
func NewServerHandler(handler http.Handler, opts Options) http.Handler {
	srv := opts.server()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 2 && opts.AllowUpgrade && isH2CUpgrade(r) {
			if upgradeRawConn(w, r, opts, srv, handler) {
				return
			}
		}
		handler.ServeHTTP(w, r)
	})
}

func upgradeRawConn(w http.ResponseWriter, r *http.Request, opts Options, srv *http2.Server, handler http.Handler) bool {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return false
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return false
	}
	if rw != nil {
		rw.Flush()
	}
	io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n")

	if opts.OnUpgrade != nil {
		opts.OnUpgrade(r)
	}

	go srv.ServeConn(conn, &http2.ServeConnOpts{Handler: handler})
	return true
}

// Wrap returns handler wrapped with default h2c support (upgrade and
// prior-knowledge detection both enabled).
func Wrap(handler http.Handler) http.Handler {
	return NewServerHandler(handler, Options{AllowUpgrade: true, AllowDirect: true})
}

// BufferedConn wraps a net.Conn with a bufio.Reader, so bytes already
// consumed while sniffing a connection preface can still be read by
// later consumers via Peek/Read.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// NewBufferedConn returns a BufferedConn wrapping conn.
func NewBufferedConn(conn net.Conn) *BufferedConn {
	return &BufferedConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Read reads from the buffered reader, not directly from the
// underlying connection, so Peek'd bytes aren't lost.
func (b *BufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// Peek returns the next n bytes without advancing the reader.
func (b *BufferedConn) Peek(n int) ([]byte, error) {
	return b.r.Peek(n)
}
