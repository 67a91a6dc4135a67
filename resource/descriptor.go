// Package resource mounts a declarative CRUD/batch/aggregate/subscribe
// route table onto a Router for a single backing table, wiring the filter
// engine, scope/authorization, ETag/idempotency concurrency control, and
// the subscription engine together (§4.2).
package resource

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/concave/concave/filter"
	"github.com/concave/concave/relations"
	"github.com/concave/concave/scope"
)

// Record is a single row, keyed by column name. The resource pipeline is
// intentionally untyped (map[string]any) rather than generic: descriptors
// are assembled from dynamic configuration (column lists, scope functions)
// at startup, not from a compile-time Go struct, matching how the teacher's
// own sync/view engines model records.
type Record = map[string]any

// OrderKey is one `orderBy=field:asc|desc` term.
type OrderKey struct {
	Field string
	Desc  bool
}

// ListQuery carries the decoded GET / query parameters.
type ListQuery struct {
	Filter     *filter.Expr
	OrderBy    []OrderKey
	Limit      int
	Cursor     *Cursor
	Select     []string
	TotalCount bool
	Include    []string
}

// AggregateQuery carries the decoded GET /aggregate query parameters.
type AggregateQuery struct {
	Filter  *filter.Expr
	GroupBy []string
	Count   bool
	Sum     []string
	Avg     []string
	Min     []string
	Max     []string
}

// Driver is the storage contract a Descriptor is mounted against. A
// concrete implementation (see storage/sqldriver) lowers filter.Expr to
// SQL via the ColumnResolver it exposes and writes changelog entries
// transactionally alongside each mutation.
type Driver interface {
	filter.ColumnResolver

	List(ctx context.Context, q ListQuery) (items []Record, hasMore bool, nextCursor *Cursor, totalCount *int64, err error)
	Get(ctx context.Context, id string, effective *filter.Expr, selectCols []string) (Record, bool, error)
	Count(ctx context.Context, effective *filter.Expr) (int64, error)
	Aggregate(ctx context.Context, effective *filter.Expr, q AggregateQuery) ([]Record, error)

	Create(ctx context.Context, values Record) (Record, error)
	// Update and Delete must enforce precondition, when non-nil, inside
	// the same statement that performs the write (a CAS against the
	// live row), returning ErrConcurrencyConflict if it no longer holds.
	Update(ctx context.Context, id string, effective *filter.Expr, patch Record, replace bool, precondition *Precondition) (Record, error)
	Delete(ctx context.Context, id string, effective *filter.Expr, precondition *Precondition) error

	BatchCreate(ctx context.Context, items []Record) ([]Record, error)
	BatchUpdate(ctx context.Context, effective *filter.Expr, patch Record) (int64, error)
	BatchDelete(ctx context.Context, effective *filter.Expr) (int64, error)
}

// SearchAdapter delegates GET /search to an external full-text/vector
// search backend; Descriptor.Search is nil when unconfigured (404, §4.2).
type SearchAdapter interface {
	Search(ctx context.Context, q string, effective *filter.Expr, limit int) ([]Record, error)
}

// Hook runs before or after a mutation. Before-hooks may reject the
// mutation by returning a non-nil error; after-hooks observe the final
// record (open question #3: both run in registration order, modeled as
// plain slices rather than a priority system).
type Hook func(ctx context.Context, op string, record Record) error

// ScopeConfig configures per-operation authorization, per §4.4.
type ScopeConfig struct {
	Public    bool
	Read      scope.Resolver
	Create    scope.Resolver
	Update    scope.Resolver
	Delete    scope.Resolver
	Subscribe scope.Resolver
	// Fallback is used for any operation whose specific resolver is nil.
	Fallback scope.Resolver
}

func (sc ScopeConfig) resolverFor(op string) scope.Resolver {
	var r scope.Resolver
	switch op {
	case "read":
		r = sc.Read
	case "create":
		r = sc.Create
	case "update", "delete":
		r = sc.Update
		if op == "delete" {
			r = sc.Delete
		}
	case "subscribe":
		r = sc.Subscribe
	}
	if r == nil {
		r = sc.Fallback
	}
	return r
}

// Descriptor declares everything needed to mount a resource's routes.
type Descriptor struct {
	Name   string // used in changelog Entity and subscribe scope
	Driver Driver

	IDField      string
	EtagField    string // tier 1 ETag source, if set
	VersionField string // tier 2 ETag source, if set

	Columns       []string // whitelist for `select=`
	DefaultLimit  int
	MaxLimit      int
	MaxBatchSize  int

	Scopes ScopeConfig

	Relations *relations.Registry
	Search    SearchAdapter

	IdempotencyStore *IdempotencyStore
	IdempotencyTTL   int64 // seconds; 0 = default 24h

	BeforeCreate, AfterCreate []Hook
	BeforeUpdate, AfterUpdate []Hook
	BeforeDelete, AfterDelete []Hook

	// Logger, if set, receives one structured line per mutation via
	// logOutcome. Tracer, if set, wraps each mutation in a
	// "resource.<op>" span via startSpan. Both are nil-safe: a
	// Descriptor with neither configured runs exactly as before.
	Logger *slog.Logger
	Tracer trace.Tracer
}

func (d *Descriptor) defaultLimit() int {
	if d.DefaultLimit > 0 {
		return d.DefaultLimit
	}
	return 50
}

func (d *Descriptor) maxLimit() int {
	if d.MaxLimit > 0 {
		return d.MaxLimit
	}
	return 500
}

func (d *Descriptor) maxBatchSize() int {
	if d.MaxBatchSize > 0 {
		return d.MaxBatchSize
	}
	return 200
}

func runHooks(ctx context.Context, hooks []Hook, op string, record Record) error {
	for _, h := range hooks {
		if err := h(ctx, op, record); err != nil {
			return err
		}
	}
	return nil
}

// kvKeyPrefix namespaces idempotency keys per descriptor when callers share
// one kv.Adapter across multiple resources.
func (d *Descriptor) kvKeyPrefix() string {
	return "idem:" + d.Name + ":"
}
