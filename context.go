// File: context.go
package concave

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// Handler is a concave request handler.
type Handler func(c *Ctx) error

// Middleware wraps a Handler to produce another Handler.
type Middleware func(Handler) Handler

// Ctx carries per-request state: the underlying request/response pair,
// a logger, and the deferred status code used by the Write family of
// helpers.
type Ctx struct {
	w      http.ResponseWriter
	req    *http.Request
	logger *slog.Logger
	rc     *http.ResponseController

	status      int
	wroteHeader bool
}

func newCtx(w http.ResponseWriter, req *http.Request, logger *slog.Logger) *Ctx {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ctx{
		w:      w,
		req:    req,
		logger: logger,
		rc:     http.NewResponseController(w),
		status: http.StatusOK,
	}
}

// Request returns the underlying *http.Request.
func (c *Ctx) Request() *http.Request { return c.req }

// Writer returns the underlying http.ResponseWriter.
func (c *Ctx) Writer() http.ResponseWriter { return c.w }

// Response is an alias for Writer, matching call sites that prefer the
// "response" name.
func (c *Ctx) Response() http.ResponseWriter { return c.w }

// Header returns the response header map.
func (c *Ctx) Header() http.Header { return c.w.Header() }

// Context returns the request's context.
func (c *Ctx) Context() context.Context { return c.req.Context() }

// Logger returns the request-scoped logger.
func (c *Ctx) Logger() *slog.Logger { return c.logger }

// Status sets the status code to use for the next Write/WriteString/Stream/
// SSE call, or for File/Download calls passed a zero code. JSON, HTML, Text
// and Bytes write the code they are given.
func (c *Ctx) Status(code int) *Ctx {
	c.status = code
	return c
}

// StatusCode reports the status set by Status or, once a Ctx helper has
// written the response header, the code that helper wrote.
func (c *Ctx) StatusCode() int { return c.status }

// SetWriter swaps the underlying ResponseWriter, rebuilding the attached
// ResponseController. Used by middleware that wraps the writer (gzip,
// buffering, etc).
func (c *Ctx) SetWriter(w http.ResponseWriter) {
	c.w = w
	c.rc = http.NewResponseController(w)
	c.wroteHeader = false
}

func (c *Ctx) writeHeaderOnce(code int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = code
	c.w.WriteHeader(code)
}

// Param returns a path value extracted by the router (net/http 1.22+
// pattern matching).
func (c *Ctx) Param(name string) string { return c.req.PathValue(name) }

// Query returns the first value of a query parameter.
func (c *Ctx) Query(name string) string {
	if c.req.URL == nil {
		return ""
	}
	return c.req.URL.Query().Get(name)
}

// QueryValues returns the full parsed query string.
func (c *Ctx) QueryValues() url.Values {
	if c.req.URL == nil {
		return url.Values{}
	}
	return c.req.URL.Query()
}

// Form parses and returns the request's form values (query + urlencoded body).
func (c *Ctx) Form() (url.Values, error) {
	if err := c.req.ParseForm(); err != nil {
		return nil, err
	}
	return c.req.Form, nil
}

// MultipartForm parses a multipart/form-data request, returning a cleanup
// function that releases any temporary files.
func (c *Ctx) MultipartForm(maxMemory int64) (*multipart.Form, func(), error) {
	if err := c.req.ParseMultipartForm(maxMemory); err != nil {
		return nil, func() {}, err
	}
	form := c.req.MultipartForm
	return form, func() {
		if form != nil {
			_ = form.RemoveAll()
		}
	}, nil
}

// Cookie returns a named request cookie.
func (c *Ctx) Cookie(name string) (*http.Cookie, error) { return c.req.Cookie(name) }

// SetCookie appends a Set-Cookie header to the response.
func (c *Ctx) SetCookie(ck *http.Cookie) { http.SetCookie(c.w, ck) }

// Bind decodes a JSON request body into v, rejecting unknown fields and
// trailing data. maxBytes <= 0 means unlimited.
func (c *Ctx) Bind(v any, maxBytes int64) error {
	var r io.Reader = c.req.Body
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("concave: trailing data after JSON value")
	}
	return nil
}

// NoContent writes a 204 response.
func (c *Ctx) NoContent() error {
	c.writeHeaderOnce(http.StatusNoContent)
	return nil
}

// Redirect writes a redirect response. code defaults to 302 when zero.
func (c *Ctx) Redirect(code int, location string) error {
	if code == 0 {
		code = http.StatusFound
	}
	c.w.Header().Set("Location", location)
	c.writeHeaderOnce(code)
	return nil
}

// JSON encodes v as the response body with an application/json content type.
func (c *Ctx) JSON(code int, v any) error {
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	c.writeHeaderOnce(code)
	return json.NewEncoder(c.w).Encode(v)
}

// HTML writes an HTML response body.
func (c *Ctx) HTML(code int, body string) error {
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	c.writeHeaderOnce(code)
	_, err := io.WriteString(c.w, body)
	return err
}

// Text writes a plain-text response. Invalid UTF-8 degrades the content
// type to application/octet-stream.
func (c *Ctx) Text(code int, body string) error {
	ct := "text/plain; charset=utf-8"
	if !utf8.ValidString(body) {
		ct = "application/octet-stream"
	}
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", ct)
	} else if ct == "application/octet-stream" {
		c.w.Header().Set("Content-Type", ct)
	}
	c.writeHeaderOnce(code)
	_, err := io.WriteString(c.w, body)
	return err
}

// Bytes writes a raw byte response with the given content type, defaulting
// to application/octet-stream when empty.
func (c *Ctx) Bytes(code int, b []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", contentType)
	}
	c.writeHeaderOnce(code)
	_, err := c.w.Write(b)
	return err
}

// Write implements io.Writer, honoring Status() for the eventual header.
func (c *Ctx) Write(p []byte) (int, error) {
	c.writeHeaderOnce(c.status)
	return c.w.Write(p)
}

// WriteString writes a string honoring Status().
func (c *Ctx) WriteString(s string) (int, error) {
	c.writeHeaderOnce(c.status)
	return io.WriteString(c.w, s)
}

// File serves a file from disk. code == 0 uses the ctx's current status.
func (c *Ctx) File(code int, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if ct := c.w.Header().Get("Content-Type"); ct == "" {
		if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
			c.w.Header().Set("Content-Type", t)
		}
	}

	actual := code
	if actual == 0 {
		actual = c.status
	}
	c.writeHeaderOnce(actual)

	if c.req.Method == http.MethodHead {
		return nil
	}
	_, err = io.Copy(c.w, f)
	return err
}

// Download serves a file as an attachment with the given client-visible
// filename.
func (c *Ctx) Download(code int, path, filename string) error {
	c.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.File(code, path)
}

// Stream calls fn with the response writer, setting a default content type
// beforehand if none was set.
func (c *Ctx) Stream(fn func(w io.Writer) error) error {
	if c.w.Header().Get("Content-Type") == "" {
		c.w.Header().Set("Content-Type", "application/octet-stream")
	}
	c.writeHeaderOnce(c.status)
	return fn(c.w)
}

// SSE drains ch, writing each value as a "data:" event until the channel
// closes or the request context is canceled, then emits a terminal
// "event: end" and returns. The underlying ResponseWriter must implement
// http.Flusher.
func (c *Ctx) SSE(ch <-chan any) error {
	fl, ok := c.w.(http.Flusher)
	if !ok {
		return errors.New("concave: SSE requires a ResponseWriter that supports flushing")
	}

	h := c.w.Header()
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.writeHeaderOnce(c.status)
	fl.Flush()

	ctx := c.req.Context()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(c.w, "event: end\ndata: {}\n\n")
			fl.Flush()
			return nil
		case v, open := <-ch:
			if !open {
				fmt.Fprintf(c.w, "event: end\ndata: {}\n\n")
				fl.Flush()
				return nil
			}
			data, err := json.Marshal(v)
			if err != nil {
				data = []byte(fmt.Sprintf("%v", v))
			}
			fmt.Fprintf(c.w, "data: %s\n\n", data)
			fl.Flush()
		}
	}
}

// Flush flushes the underlying writer if it supports it. Never panics.
func (c *Ctx) Flush() {
	if fl, ok := c.w.(http.Flusher); ok {
		fl.Flush()
	}
}

// SetWriteDeadline forwards to the response controller.
func (c *Ctx) SetWriteDeadline(t time.Time) error { return c.rc.SetWriteDeadline(t) }

// EnableFullDuplex forwards to the response controller.
func (c *Ctx) EnableFullDuplex() error { return c.rc.EnableFullDuplex() }

// Hijack forwards to the response controller.
func (c *Ctx) Hijack() (net.Conn, *bufio.ReadWriter, error) { return c.rc.Hijack() }
