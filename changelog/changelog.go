// Package changelog records every create/update/delete applied to a
// resource as an ordered, monotonically increasing sequence of Change
// entries. The subscription engine replays this log (snapshot, then tail)
// to derive added/changed/removed/invalidate SSE events.
package changelog

import (
	"context"
	"sync"
)

// Op is the kind of mutation a Change records.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one entry in the log. Before/After carry the pre- and
// post-mutation record snapshots (After is nil for OpDelete, Before is nil
// for OpCreate) so the subscription engine can evaluate a subscriber's
// filter against both sides of an update and derive added/changed/removed
// transitions rather than just a raw op code.
type Change struct {
	Cursor uint64
	Scope  string
	Entity string
	ID     string
	Op     Op
	Before map[string]any
	After  map[string]any
}

// Log is the append/replay contract the subscription engine and the
// resource pipeline's write path depend on. The SQL-backed Log additionally
// offers AppendTx so the changelog entry can be written inside the same
// transaction as the record mutation (§5).
type Log interface {
	Append(ctx context.Context, c Change) (cursor uint64, err error)
	Since(ctx context.Context, scope string, cursor uint64, limit int) ([]Change, error)
	Cursor(ctx context.Context) (uint64, error)
	Trim(ctx context.Context, keepFromCursor uint64) error
}

// Memory is an in-process Log backed by a slice; suitable for tests and
// single-instance deployments where the changelog need not survive a
// restart.
type Memory struct {
	mu      sync.RWMutex
	entries []Change
	cursor  uint64
}

// NewMemory returns an empty Memory log.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, c Change) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor++
	c.Cursor = m.cursor
	m.entries = append(m.entries, c)
	return m.cursor, nil
}

func (m *Memory) Since(ctx context.Context, scope string, cursor uint64, limit int) ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Change
	for _, c := range m.entries {
		if c.Cursor <= cursor {
			continue
		}
		if scope != "" && c.Scope != scope {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Cursor(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor, nil
}

// Trim drops every entry with Cursor < keepFromCursor.
func (m *Memory) Trim(ctx context.Context, keepFromCursor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.entries) && m.entries[i].Cursor < keepFromCursor {
		i++
	}
	m.entries = m.entries[i:]
	return nil
}

// Len reports the number of entries currently retained (post-Trim).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
