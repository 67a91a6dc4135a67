// Package relations resolves "include" directives on a resource query into
// batched lookups against related resources, stitching the results back
// onto the parent records under the requested field name.
package relations

import (
	"context"
	"fmt"
	"strings"
)

// Driver fetches related records for a batch of owning ids in one round
// trip, grounded in the teacher's batch-collect-one-query-stitch idiom.
type Driver interface {
	// FetchByIDs returns related records keyed by the id each one belongs
	// to, for the relation named by field.
	FetchByIDs(ctx context.Context, field string, ids []string) (map[string][]map[string]any, error)
}

// Registry maps a relation's field name to the Driver and the parent
// column that holds the foreign key/owning id.
type Registry struct {
	relations map[string]relation
}

type relation struct {
	driver    Driver
	localKey  string // column on the parent record holding the id(s)
	single    bool   // true for belongs-to/has-one, false for has-many
}

// NewRegistry returns an empty relation Registry.
func NewRegistry() *Registry {
	return &Registry{relations: make(map[string]relation)}
}

// RegisterMany registers a has-many relation: field is the output key,
// localKey is the parent record's id column used to look up children.
func (r *Registry) RegisterMany(field, localKey string, driver Driver) {
	r.relations[field] = relation{driver: driver, localKey: localKey, single: false}
}

// RegisterOne registers a belongs-to/has-one relation.
func (r *Registry) RegisterOne(field, localKey string, driver Driver) {
	r.relations[field] = relation{driver: driver, localKey: localKey, single: true}
}

// MaxDepth bounds how many dotted include segments (e.g. "author.team")
// the loader will follow, guarding against include-chain amplification.
const MaxDepth = 3

// ParseIncludes splits a comma-separated include query parameter into its
// top-level relation names, each optionally followed by ".nested" segments
// which are peeled off and validated against MaxDepth but not otherwise
// resolved by this package (nested-relation resolution is left to a
// second Load pass by the caller, since it needs the first pass's output
// ids).
func ParseIncludes(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Count(p, ".")+1 > MaxDepth {
			return nil, fmt.Errorf("relations: include %q exceeds maximum depth of %d", p, MaxDepth)
		}
		out = append(out, p)
	}
	return out, nil
}

// Load resolves includes against records in place, adding a key per
// top-level include name holding either a single related record (has-one)
// or a slice of them (has-many). Unknown include names are ignored rather
// than erroring, matching the teacher's tolerant-query convention for
// optional query parameters.
func Load(ctx context.Context, reg *Registry, records []map[string]any, includes []string) error {
	for _, include := range includes {
		top := include
		if i := strings.IndexByte(top, '.'); i >= 0 {
			top = top[:i]
		}
		rel, ok := reg.relations[top]
		if !ok {
			continue
		}
		if err := loadOne(ctx, rel, top, records); err != nil {
			return fmt.Errorf("relations: loading %q: %w", top, err)
		}
	}
	return nil
}

func loadOne(ctx context.Context, rel relation, field string, records []map[string]any) error {
	idSet := make(map[string]struct{}, len(records))
	var ids []string
	for _, rec := range records {
		id := idString(rec[rel.localKey])
		if id == "" {
			continue
		}
		if _, seen := idSet[id]; seen {
			continue
		}
		idSet[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	related, err := rel.driver.FetchByIDs(ctx, field, ids)
	if err != nil {
		return err
	}

	for _, rec := range records {
		id := idString(rec[rel.localKey])
		children := related[id]
		if rel.single {
			if len(children) > 0 {
				rec[field] = children[0]
			} else {
				rec[field] = nil
			}
			continue
		}
		if children == nil {
			children = []map[string]any{}
		}
		rec[field] = children
	}
	return nil
}

func idString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}
