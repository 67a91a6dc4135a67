// Package subscribe implements the SSE subscription lifecycle: snapshot a
// filtered view, then tail the changelog, translating each entry into an
// added/changed/removed event for any subscriber whose effective filter it
// crosses, with heartbeats and drop-with-invalidate backpressure handling.
package subscribe

import (
	"context"
	"fmt"
	"time"

	concave "github.com/concave/concave"
	"github.com/concave/concave/broker"
	"github.com/concave/concave/changelog"
	"github.com/concave/concave/filter"
)

// QueueSize is the default soft limit on queued-but-undelivered events
// before a subscriber is dropped with an invalidate event (§4.3 step 8).
const QueueSize = 1000

// HeartbeatInterval is how often a stream emits a keep-alive so
// intermediating proxies don't close it (§4.3 step 7). The keep-alive is a
// regular `data:` frame carrying an Event of type "heartbeat", not an SSE
// comment line, and it is sent on every tick whether or not the stream was
// idle.
const HeartbeatInterval = 15 * time.Second

// Snapshotter supplies the matching rows for the snapshot phase (§4.3 step
// 4); it must honor a read-committed view as of seq (the changelog
// high-water mark acquired immediately before the call).
type Snapshotter interface {
	Snapshot(ctx context.Context, effective *filter.Expr, seq uint64) ([]map[string]any, error)
}

// Event is one SSE payload this package emits. The stream's underlying
// Ctx.SSE primitive only writes `data:` frames (no literal `event:` line),
// so the event kind travels as a field inside the JSON envelope rather
// than a separate SSE event name.
type Event struct {
	Type string         `json:"event"` // existing | added | changed | removed | invalidate | heartbeat
	Item map[string]any `json:"item,omitempty"`
	Seq  uint64         `json:"seq"`
}

// Server runs one subscriber's lifecycle end to end, writing Events onto an
// SSE stream via Ctx.SSE.
type Server struct {
	Log         changelog.Log
	Broker      broker.Broker
	Snapshotter Snapshotter
	Scope       string // changelog scope this subscription is pinned to
	QueueSize   int
	Heartbeat   time.Duration
}

// Run executes the full lifecycle for one connection: snapshot, then tail.
// It blocks until the context is cancelled, a fatal error occurs, or the
// subscriber is dropped for backpressure (after which it sends exactly one
// invalidate event and returns nil, per §4.3's "close" contract).
func (s *Server) Run(c *concave.Ctx, effective *filter.Expr) error {
	ctx := c.Context()
	queueSize := s.QueueSize
	if queueSize <= 0 {
		queueSize = QueueSize
	}
	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}

	h0, err := s.Log.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: acquiring high-water mark: %w", err)
	}

	rows, err := s.Snapshotter.Snapshot(ctx, effective, h0)
	if err != nil {
		return fmt.Errorf("subscribe: snapshot: %w", err)
	}

	ch := make(chan any, queueSize)
	go s.pump(ctx, ch, effective, h0, rows, heartbeat)

	return c.SSE(ch)
}

func (s *Server) pump(ctx context.Context, ch chan any, effective *filter.Expr, h0 uint64, rows []map[string]any, heartbeat time.Duration) {
	defer close(ch)

	for _, row := range rows {
		if !s.send(ctx, ch, sseEvent("existing", row, h0)) {
			return
		}
	}

	cursor := h0
	// ticker is a fallback safety net, not the primary wake signal: the
	// Broker doc requires a slow/unavailable downstream to drop a poke
	// rather than block, so a poke can legitimately be lost. Polling at
	// a coarse interval bounds how stale a subscriber can get when that
	// happens; woken (below) is what makes the common case immediate.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	heartbeatTicker := time.NewTicker(heartbeat)
	defer heartbeatTicker.Stop()

	var woken <-chan uint64
	if s.Broker != nil {
		if l, ok := s.Broker.(broker.Listener); ok {
			var cancel func()
			woken, cancel = l.Listen(s.Scope)
			defer cancel()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if !s.send(ctx, ch, sseEvent("heartbeat", nil, cursor)) {
				return
			}
		case <-woken:
			if !s.drain(ctx, ch, effective, &cursor) {
				return
			}
		case <-ticker.C:
			if !s.drain(ctx, ch, effective, &cursor) {
				return
			}
		}
	}
}

// drain delivers every changelog entry since *cursor that crosses
// effective, advancing *cursor as it goes. It returns false if the
// subscriber should stop (send failed: backpressure drop or closed
// stream).
func (s *Server) drain(ctx context.Context, ch chan any, effective *filter.Expr, cursor *uint64) bool {
	changes, err := s.Log.Since(ctx, s.Scope, *cursor, 256)
	if err != nil || len(changes) == 0 {
		return true
	}
	for _, change := range changes {
		*cursor = change.Cursor
		ev, ok := deriveEvent(effective, change)
		if !ok {
			continue
		}
		if !s.send(ctx, ch, ev) {
			return false
		}
	}
	return true
}

// send attempts a non-blocking enqueue; a full channel (§4.3 step 8,
// backpressure) triggers one invalidate event followed by stream close.
func (s *Server) send(ctx context.Context, ch chan any, payload any) bool {
	select {
	case ch <- payload:
		return true
	default:
		// The queue is full, so wait for the writer to free a slot for the
		// invalidate event (or for the request to end).
		select {
		case ch <- sseEvent("invalidate", nil, 0):
		case <-ctx.Done():
		}
		return false
	}
}

func deriveEvent(effective *filter.Expr, c changelog.Change) (any, bool) {
	matchBefore := c.Before != nil && effective.MustEvaluate(c.Before)
	matchAfter := c.After != nil && effective.MustEvaluate(c.After)

	switch c.Op {
	case changelog.OpCreate:
		if matchAfter {
			return sseEvent("added", c.After, c.Cursor), true
		}
	case changelog.OpDelete:
		if matchBefore {
			return sseEvent("removed", c.Before, c.Cursor), true
		}
	case changelog.OpUpdate:
		switch {
		case matchBefore && matchAfter:
			return sseEvent("changed", c.After, c.Cursor), true
		case !matchBefore && matchAfter:
			return sseEvent("added", c.After, c.Cursor), true
		case matchBefore && !matchAfter:
			return sseEvent("removed", c.Before, c.Cursor), true
		}
	}
	return nil, false
}

func sseEvent(typ string, item map[string]any, seq uint64) Event {
	return Event{Type: typ, Item: item, Seq: seq}
}
