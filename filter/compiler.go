package filter

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ColumnResolver maps a filter field name (possibly dotted, e.g.
// "author.name") to the SQL column handle used in generated predicates.
// Implementations typically reject unknown columns, per §4.1: "Unknown
// column names yield a parse error at conversion time".
type ColumnResolver interface {
	Column(field string) (string, bool)
}

// MapResolver is the simplest ColumnResolver: a static field->column map.
type MapResolver map[string]string

func (m MapResolver) Column(field string) (string, bool) {
	col, ok := m[field]
	return col, ok
}

// IdentityResolver accepts every field name as its own column handle; it is
// useful for tests and for in-memory-only consumers that never lower to SQL.
type IdentityResolver struct{}

func (IdentityResolver) Column(field string) (string, bool) { return field, true }

// Expr is a compiled filter expression: an AST plus the Registry it was
// compiled against, capable of lowering to a SQL predicate (given a
// ColumnResolver) or evaluating directly against a record. A nil AST
// (node == nil) is the tautology produced by an empty filter string — it
// matches every record and lowers to no SQL restriction at all.
type Expr struct {
	node     Node
	registry *Registry
	raw      string
}

// Compile parses and compiles raw using the default built-in operator
// registry.
func Compile(raw string) (*Expr, error) {
	return CompileWithRegistry(raw, DefaultRegistry())
}

// CompileWithRegistry parses and compiles raw against an explicit Registry,
// allowing callers to extend the operator table (§4.1 "Custom operators").
func CompileWithRegistry(raw string, reg *Registry) (*Expr, error) {
	node, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := validateLeaves(node, reg); err != nil {
		return nil, err
	}
	return &Expr{node: node, registry: reg, raw: raw}, nil
}

func validateLeaves(n Node, reg *Registry) error {
	switch x := n.(type) {
	case nil:
		return nil
	case *Leaf:
		if _, ok := reg.Lookup(x.Op); !ok {
			return fmt.Errorf("filter: unknown operator %q for field %q", x.Op, x.Field)
		}
		return nil
	case *Conjunction:
		for _, c := range x.Children {
			if err := validateLeaves(c, reg); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("filter: unrecognised AST node %T", n)
	}
}

// Raw returns the expression string the Expr was compiled from, or "" for
// one assembled via the builder API.
func (e *Expr) Raw() string { return e.raw }

// IsTautology reports whether the expression matches every record (an
// empty filter string, or an Expr built from a nil node).
func (e *Expr) IsTautology() bool { return e == nil || e.node == nil }

// Evaluate runs the compiled expression against an in-memory record.
func (e *Expr) Evaluate(record map[string]any) (bool, error) {
	if e.IsTautology() {
		return true, nil
	}
	return evalNode(e.node, e.registry, record)
}

// MustEvaluate is Evaluate without an error return, treating evaluation
// errors as non-matches; useful for call sites that already validated the
// expression at compile time (e.g. the record evaluator over known-shape
// resource records).
func (e *Expr) MustEvaluate(record map[string]any) bool {
	ok, err := e.Evaluate(record)
	return ok && err == nil
}

func evalNode(n Node, reg *Registry, record map[string]any) (bool, error) {
	switch x := n.(type) {
	case *Leaf:
		op, ok := reg.Lookup(x.Op)
		if !ok {
			return false, fmt.Errorf("filter: unknown operator %q", x.Op)
		}
		fieldVal, present := lookupField(record, x.Field)
		return op.Evaluate(fieldVal, present, x.Value)
	case *Conjunction:
		switch x.Kind {
		case KindAnd:
			for _, c := range x.Children {
				ok, err := evalNode(c, reg, record)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		case KindOr:
			for _, c := range x.Children {
				ok, err := evalNode(c, reg, record)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return false, fmt.Errorf("filter: unrecognised AST node %T", n)
}

// lookupField resolves a possibly-dotted field name against a record,
// descending into nested map[string]any values for relation includes
// (e.g. "author.name"). A missing path reports present=false, which the
// record evaluator treats as null.
func lookupField(record map[string]any, field string) (any, bool) {
	cur := any(record)
	start := 0
	for i := 0; i <= len(field); i++ {
		if i == len(field) || field[i] == '.' {
			key := field[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

// ToSQL lowers the expression into a squirrel.Sqlizer against the columns
// resolver resolves. A tautology lowers to no restriction (sq.Expr("1=1")).
func (e *Expr) ToSQL(resolver ColumnResolver) (sq.Sqlizer, error) {
	if e.IsTautology() {
		return sq.Expr("1=1"), nil
	}
	return toSQLNode(e.node, e.registry, resolver)
}

func toSQLNode(n Node, reg *Registry, resolver ColumnResolver) (sq.Sqlizer, error) {
	switch x := n.(type) {
	case *Leaf:
		op, ok := reg.Lookup(x.Op)
		if !ok {
			return nil, fmt.Errorf("filter: unknown operator %q", x.Op)
		}
		col, ok := resolver.Column(x.Field)
		if !ok {
			return nil, fmt.Errorf("filter: unknown column %q", x.Field)
		}
		return op.ToSQL(col, x.Value)
	case *Conjunction:
		parts := make([]sq.Sqlizer, len(x.Children))
		for i, c := range x.Children {
			s, err := toSQLNode(c, reg, resolver)
			if err != nil {
				return nil, err
			}
			parts[i] = s
		}
		switch x.Kind {
		case KindAnd:
			return sq.And(parts), nil
		case KindOr:
			return sq.Or(parts), nil
		}
	}
	return nil, fmt.Errorf("filter: unrecognised AST node %T", n)
}
