// Package scheduler implements the enqueue/cancel/query contract spec §6
// keeps in scope for recurring/one-shot task scheduling. The worker loop
// that actually runs a task's payload is an external collaborator and is
// not implemented here — this package only maintains the schedule table.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/concave/concave/filter"
	"github.com/concave/concave/kv"
	"github.com/concave/concave/problem"
)

// Task is one scheduled unit of work. Payload is opaque to the scheduler;
// it is handed verbatim to whatever worker loop eventually claims the task.
type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	RunAt     time.Time      `json:"runAt"`
	Interval  time.Duration  `json:"interval,omitempty"` // 0 = one-shot
	Payload   map[string]any `json:"payload,omitempty"`
	Scope     string         `json:"scope"`
	Cancelled bool           `json:"cancelled"`
	CreatedAt time.Time      `json:"createdAt"`
}

const keyPrefix = "sched:"

// Scheduler maintains the schedule table over a shared kv.Adapter, per
// spec §6 ("KVAdapter ... used by ... the recurring-task scheduler").
type Scheduler struct {
	adapter kv.Adapter
}

// New wraps adapter.
func New(adapter kv.Adapter) *Scheduler {
	return &Scheduler{adapter: adapter}
}

func taskKey(id string) string { return keyPrefix + id }

// Enqueue persists a new task. t.ID is required: an empty ID is rejected
// with a Validation error.
func (s *Scheduler) Enqueue(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		return Task{}, problem.New(problem.Validation, "task id is required")
	}
	t.CreatedAt = time.Now()
	raw, err := json.Marshal(t)
	if err != nil {
		return Task{}, problem.Wrap(problem.Internal, err, "encoding task")
	}
	if err := s.adapter.Set(ctx, taskKey(t.ID), raw, 0); err != nil {
		return Task{}, problem.Wrap(problem.Unavailable, err, "scheduler store unavailable")
	}
	return t, nil
}

// Cancel marks a task cancelled without removing its record, so a caller
// that already has a reference to it (e.g. a mid-flight GetTasks page)
// observes Cancelled=true rather than a NotFound.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	raw, err := s.adapter.Get(ctx, taskKey(id))
	if err == kv.ErrNotFound {
		return problem.New(problem.NotFound, "task not found")
	}
	if err != nil {
		return problem.Wrap(problem.Unavailable, err, "scheduler store unavailable")
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return problem.Wrap(problem.Internal, err, "decoding task")
	}
	t.Cancelled = true
	updated, err := json.Marshal(t)
	if err != nil {
		return problem.Wrap(problem.Internal, err, "encoding task")
	}
	if err := s.adapter.Set(ctx, taskKey(id), updated, 0); err != nil {
		return problem.Wrap(problem.Unavailable, err, "scheduler store unavailable")
	}
	return nil
}

// GetTasks lists tasks matching effective, the same filter.Expr composition
// resolveEffective produces for the resource pipeline's list endpoint
// (scope AND caller filter). Matching happens in-memory since the
// kv.Adapter contract has no query primitive beyond key enumeration.
func (s *Scheduler) GetTasks(ctx context.Context, effective *filter.Expr) ([]Task, error) {
	keys, err := s.adapter.Scan(ctx, keyPrefix)
	if err != nil {
		return nil, problem.Wrap(problem.Unavailable, err, "scheduler store unavailable")
	}
	out := make([]Task, 0, len(keys))
	for _, key := range keys {
		raw, err := s.adapter.Get(ctx, key)
		if err == kv.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, problem.Wrap(problem.Unavailable, err, "scheduler store unavailable")
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, problem.Wrap(problem.Internal, err, fmt.Sprintf("decoding task %q", key))
		}
		if effective == nil || effective.IsTautology() {
			out = append(out, t)
			continue
		}
		record := map[string]any{
			"id":        t.ID,
			"name":      t.Name,
			"runAt":     t.RunAt,
			"scope":     t.Scope,
			"cancelled": t.Cancelled,
		}
		if effective.MustEvaluate(record) {
			out = append(out, t)
		}
	}
	return out, nil
}
