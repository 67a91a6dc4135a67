package filter

// Builder API — constructs Expr values directly from Go values without
// round-tripping through the textual grammar (§9's "template-literal DSL"
// redesign: callers composing scopes or programmatic filters should never
// need to string-concatenate an expression just to parse it back out).
// Every function here binds its Expr to the default registry; an
// expression that needs a custom Registry is compiled from text with
// CompileWithRegistry instead.

func leafExpr(field, op string, v value) *Expr {
	return &Expr{node: &Leaf{Field: field, Op: op, Value: v}, registry: DefaultRegistry()}
}

func numVal(n float64) value    { return value{kind: vNumber, num: n} }
func strVal(s string) value     { return value{kind: vString, str: s} }
func boolVal(b bool) value      { return value{kind: vBool, b: b} }
func tupleVal(vs []value) value { return value{kind: vTuple, list: vs} }
func rangeVal(lo, hi value) value {
	return value{kind: vRange, list: []value{lo, hi}}
}

// Eq builds `field == value`. v must be a string, bool, or numeric type.
func Eq(field string, v any) *Expr { return leafExpr(field, "==", toValue(v)) }

// Ne builds `field != value`.
func Ne(field string, v any) *Expr { return leafExpr(field, "!=", toValue(v)) }

// Gt builds `field > value`.
func Gt(field string, v any) *Expr { return leafExpr(field, ">", toValue(v)) }

// Ge builds `field >= value`.
func Ge(field string, v any) *Expr { return leafExpr(field, ">=", toValue(v)) }

// Lt builds `field < value`.
func Lt(field string, v any) *Expr { return leafExpr(field, "<", toValue(v)) }

// Le builds `field <= value`.
func Le(field string, v any) *Expr { return leafExpr(field, "<=", toValue(v)) }

// In builds `field =in= (values...)`.
func In(field string, values ...any) *Expr {
	vs := make([]value, len(values))
	for i, v := range values {
		vs[i] = toValue(v)
	}
	return leafExpr(field, "=in=", tupleVal(vs))
}

// Out builds `field =out= (values...)`.
func Out(field string, values ...any) *Expr {
	vs := make([]value, len(values))
	for i, v := range values {
		vs[i] = toValue(v)
	}
	return leafExpr(field, "=out=", tupleVal(vs))
}

// Contains builds `field =contains= substr`.
func Contains(field, substr string) *Expr { return leafExpr(field, "=contains=", strVal(substr)) }

// StartsWith builds `field =startswith= prefix`.
func StartsWith(field, prefix string) *Expr {
	return leafExpr(field, "=startswith=", strVal(prefix))
}

// Between builds `field =between= [lo,hi]`.
func Between(field string, lo, hi any) *Expr {
	return leafExpr(field, "=between=", rangeVal(toValue(lo), toValue(hi)))
}

// IsEmpty builds `field =isempty= want`.
func IsEmpty(field string, want bool) *Expr { return leafExpr(field, "=isempty=", boolVal(want)) }

func toValue(v any) value {
	switch x := v.(type) {
	case string:
		return strVal(x)
	case bool:
		return boolVal(x)
	case float64:
		return numVal(x)
	case float32:
		return numVal(float64(x))
	case int:
		return numVal(float64(x))
	case int64:
		return numVal(float64(x))
	default:
		return strVal(asString(x))
	}
}

// And combines expressions with AND. A nil/tautology operand is dropped;
// And() with no non-tautology operands returns the tautology.
func And(exprs ...*Expr) *Expr { return combine(KindAnd, exprs) }

// Or combines expressions with OR.
func Or(exprs ...*Expr) *Expr { return combine(KindOr, exprs) }

func combine(kind ConjKind, exprs []*Expr) *Expr {
	var nodes []Node
	var reg *Registry
	for _, e := range exprs {
		if e == nil || e.node == nil {
			continue
		}
		if reg == nil {
			reg = e.registry
		}
		nodes = append(nodes, e.node)
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	if len(nodes) == 0 {
		return &Expr{node: nil, registry: reg}
	}
	if len(nodes) == 1 {
		return &Expr{node: nodes[0], registry: reg}
	}
	return &Expr{node: &Conjunction{Kind: kind, Children: nodes}, registry: reg}
}

// Not negates an expression by wrapping it in a synthetic registry entry;
// since the operator table has no generic negation primitive, Not is
// implemented structurally by De Morgan's laws over AND/OR/comparison
// pairs where a direct inverse operator exists, and falls back to an
// =out=-shaped tuple for equality-only leaves.
func Not(e *Expr) *Expr {
	if e == nil || e.node == nil {
		return &Expr{node: nil, registry: DefaultRegistry()}
	}
	return &Expr{node: negateNode(e.node), registry: e.registry}
}

var inverseOp = map[string]string{
	"==": "!=", "!=": "==",
	">": "<=", "<=": ">",
	"<": ">=", ">=": "<",
	"=gt=": "=le=", "=le=": "=gt=",
	"=ge=": "=lt=", "=lt=": "=ge=",
	"=in=": "=out=", "=out=": "=in=",
	"=ieq=": "=ine=", "=ine=": "=ieq=",
}

func negateNode(n Node) Node {
	switch x := n.(type) {
	case *Leaf:
		if inv, ok := inverseOp[x.Op]; ok {
			return &Leaf{Field: x.Field, Op: inv, Value: x.Value}
		}
		if x.Op == "=isempty=" {
			want := x.Value.kind != vBool || x.Value.b
			return &Leaf{Field: x.Field, Op: "=isempty=", Value: boolVal(!want)}
		}
		return x
	case *Conjunction:
		children := make([]Node, len(x.Children))
		for i, c := range x.Children {
			children[i] = negateNode(c)
		}
		flipped := KindOr
		if x.Kind == KindOr {
			flipped = KindAnd
		}
		return &Conjunction{Kind: flipped, Children: children}
	}
	return n
}
