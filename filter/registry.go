package filter

import (
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// RecordPredicate evaluates a compiled expression against a plain record.
// The record evaluator treats a missing field as null.
type RecordPredicate func(record map[string]any) bool

// Operator is a single entry in the open operator table: a pair of
// converters from an AST leaf to (a) a SQL predicate and (b) an in-memory
// boolean thunk. Custom operators implement the same shape (§4.1 "Custom
// operators").
type Operator struct {
	// ToSQL lowers `column OP value` into a squirrel.Sqlizer. col is the
	// resolved SQL column name (already validated against the table).
	ToSQL func(col string, v value) (sq.Sqlizer, error)
	// Evaluate runs the same comparison against a record's field value.
	// present is false when the field key was absent from the record.
	Evaluate func(fieldVal any, present bool, v value) (bool, error)
}

// Registry is the open table of operator token -> Operator. It is never a
// package-level mutable global (§4.1's "Custom operators" extension point
// would otherwise leak customizations across unrelated compilations);
// callers build their own via NewRegistry and extend it with Register.
type Registry struct {
	ops map[string]Operator
}

// NewRegistry returns a Registry pre-populated with every built-in operator
// from the grammar's OP production.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[string]Operator, 32)}
	r.registerBuiltins()
	return r
}

// Register adds or overrides an operator. Registering under a name that
// collides with a built-in shadows it for this Registry only.
func (r *Registry) Register(name string, op Operator) {
	r.ops[name] = op
}

// Lookup returns the operator bound to name, if any.
func (r *Registry) Lookup(name string) (Operator, bool) {
	op, ok := r.ops[name]
	return op, ok
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the package-wide built-in-only registry used by
// Compile and the builder functions when no explicit Registry is supplied.
func DefaultRegistry() *Registry { return defaultRegistry }

func eqOp(caseInsensitive, negate bool) Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			if v.kind == vBool {
				eq := sq.Eq{col: v.b}
				if negate {
					return sq.NotEq{col: v.b}, nil
				}
				return eq, nil
			}
			lit := litString(v)
			if caseInsensitive {
				expr := sq.Expr("lower("+col+") = lower(?)", lit)
				if negate {
					return sq.Expr("lower("+col+") <> lower(?)", lit), nil
				}
				return expr, nil
			}
			if v.kind == vNumber {
				if negate {
					return sq.NotEq{col: v.num}, nil
				}
				return sq.Eq{col: v.num}, nil
			}
			if negate {
				return sq.NotEq{col: lit}, nil
			}
			return sq.Eq{col: lit}, nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			var fv any
			if present {
				fv = fieldVal
			}
			eq := compareLoose(fv, v, caseInsensitive)
			if negate {
				return !eq, nil
			}
			return eq, nil
		},
	}
}

func orderOp(cmp func(a, b float64) bool, sqlOp string) Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			if v.kind == vNumber {
				return sq.Expr(fmt.Sprintf("%s %s ?", col, sqlOp), v.num), nil
			}
			return sq.Expr(fmt.Sprintf("%s %s ?", col, sqlOp), litString(v)), nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			if !present {
				return false, nil
			}
			a, ok := asNumber(fieldVal)
			if !ok {
				return false, nil
			}
			b := v.num
			if v.kind != vNumber {
				bn, ok := asNumber(litString(v))
				if !ok {
					return false, nil
				}
				b = bn
			}
			return cmp(a, b), nil
		},
	}
}

func membershipOp(negate bool) Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			vals := make([]any, len(v.list))
			for i, item := range v.list {
				if item.kind == vNumber {
					vals[i] = item.num
				} else {
					vals[i] = litString(item)
				}
			}
			if negate {
				return sq.NotEq{col: vals}, nil
			}
			return sq.Eq{col: vals}, nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			found := false
			for _, item := range v.list {
				if compareLoose(fieldVal, item, false) {
					found = true
					break
				}
			}
			if negate {
				return !found, nil
			}
			return found, nil
		},
	}
}

func likeOp(negate, caseInsensitive bool) Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			pattern := litString(v)
			expr := col
			arg := pattern
			if caseInsensitive {
				expr = "lower(" + col + ")"
				arg = strings.ToLower(pattern)
			}
			if negate {
				return sq.Expr(expr+" NOT LIKE ?", arg), nil
			}
			return sq.Expr(expr+" LIKE ?", arg), nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			s := asString(fieldVal)
			pattern := litString(v)
			if caseInsensitive {
				s, pattern = strings.ToLower(s), strings.ToLower(pattern)
			}
			re, err := regexp.Compile(likeToRegex(pattern))
			if err != nil {
				return false, fmt.Errorf("filter: invalid LIKE pattern %q: %w", pattern, err)
			}
			matched := re.MatchString(s)
			if negate {
				return !matched, nil
			}
			return matched, nil
		},
	}
}

func substringOp(kind string, caseInsensitive bool) Operator {
	match := func(s, sub string) bool {
		switch kind {
		case "contains":
			return strings.Contains(s, sub)
		case "startswith":
			return strings.HasPrefix(s, sub)
		case "endswith":
			return strings.HasSuffix(s, sub)
		}
		return false
	}
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			lit := litString(v)
			var pattern string
			switch kind {
			case "contains":
				pattern = "%" + lit + "%"
			case "startswith":
				pattern = lit + "%"
			case "endswith":
				pattern = "%" + lit
			}
			expr := col
			if caseInsensitive {
				expr = "lower(" + col + ")"
				pattern = strings.ToLower(pattern)
			}
			return sq.Expr(expr+" LIKE ?", pattern), nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			s, sub := asString(fieldVal), litString(v)
			if caseInsensitive {
				s, sub = strings.ToLower(s), strings.ToLower(sub)
			}
			return match(s, sub), nil
		},
	}
}

func isEmptyOp() Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			want := v.kind != vBool || v.b
			empty := sq.Or{sq.Eq{col: nil}, sq.Eq{col: ""}}
			if want {
				return empty, nil
			}
			sqlStr, args := sqlOf(empty)
			return sq.Expr("NOT ("+sqlStr+")", args...), nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			want := v.kind != vBool || v.b
			empty := isEmptyValue(fieldVal, present)
			return empty == want, nil
		},
	}
}

// sqlOf renders a squirrel.Sqlizer's SQL fragment and its arguments for
// embedding inside a hand-built NOT(...) wrapper; the placeholder style is
// rebound by the caller's StatementBuilder.
func sqlOf(s sq.Sqlizer) (string, []any) {
	sqlStr, args, err := s.ToSql()
	if err != nil {
		return "1=0", nil
	}
	return sqlStr, args
}

func betweenOp(negate bool) Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			if len(v.list) != 2 {
				return nil, fmt.Errorf("filter: =between= requires a 2-element range")
			}
			lo, hi := rangeBound(v.list[0]), rangeBound(v.list[1])
			if negate {
				return sq.Expr(col+" NOT BETWEEN ? AND ?", lo, hi), nil
			}
			return sq.Expr(col+" BETWEEN ? AND ?", lo, hi), nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			if len(v.list) != 2 {
				return false, fmt.Errorf("filter: =between= requires a 2-element range")
			}
			n, ok := asNumber(fieldVal)
			if !ok {
				return false, nil
			}
			lo, okLo := asNumber(rangeBound(v.list[0]))
			hi, okHi := asNumber(rangeBound(v.list[1]))
			if !okLo || !okHi {
				return false, nil
			}
			in := n >= lo && n <= hi
			if negate {
				return !in, nil
			}
			return in, nil
		},
	}
}

func rangeBound(v value) any {
	if v.kind == vNumber {
		return v.num
	}
	return v.str
}

func regexOp(caseInsensitive bool) Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			pattern := litString(v)
			if _, err := compileSafeRegex(pattern, caseInsensitive); err != nil {
				return nil, err
			}
			op := "~"
			if caseInsensitive {
				op = "~*"
			}
			return sq.Expr(col+" "+op+" ?", pattern), nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			re, err := compileSafeRegex(litString(v), caseInsensitive)
			if err != nil {
				return false, err
			}
			return re.MatchString(asString(fieldVal)), nil
		},
	}
}

// maxRegexPatternLength guards regex operators on engines (like Go's RE2)
// that lack a built-in match timeout: RE2 runs in linear time in input
// size but a pathological pattern can still blow up compile time, so the
// pattern itself is capped (§4.1 "Safety").
const maxRegexPatternLength = 512

func compileSafeRegex(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	if len(pattern) > maxRegexPatternLength {
		return nil, fmt.Errorf("filter: regex pattern exceeds maximum length of %d", maxRegexPatternLength)
	}
	if caseInsensitive && !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid regex %q: %w", pattern, err)
	}
	return re, nil
}

func lengthOp(cmp func(n, want int) bool, sqlCmp string) Operator {
	return Operator{
		ToSQL: func(col string, v value) (sq.Sqlizer, error) {
			return sq.Expr(fmt.Sprintf("length(%s) %s ?", col, sqlCmp), int(v.num)), nil
		},
		Evaluate: func(fieldVal any, present bool, v value) (bool, error) {
			if !present {
				return false, nil
			}
			return cmp(len(asString(fieldVal)), int(v.num)), nil
		},
	}
}

func (r *Registry) registerBuiltins() {
	r.Register("==", eqOp(false, false))
	r.Register("!=", eqOp(false, true))
	r.Register("=ieq=", eqOp(true, false))
	r.Register("=ine=", eqOp(true, true))

	r.Register(">", orderOp(func(a, b float64) bool { return a > b }, ">"))
	r.Register("=gt=", orderOp(func(a, b float64) bool { return a > b }, ">"))
	r.Register(">=", orderOp(func(a, b float64) bool { return a >= b }, ">="))
	r.Register("=ge=", orderOp(func(a, b float64) bool { return a >= b }, ">="))
	r.Register("<", orderOp(func(a, b float64) bool { return a < b }, "<"))
	r.Register("=lt=", orderOp(func(a, b float64) bool { return a < b }, "<"))
	r.Register("<=", orderOp(func(a, b float64) bool { return a <= b }, "<="))
	r.Register("=le=", orderOp(func(a, b float64) bool { return a <= b }, "<="))

	r.Register("=in=", membershipOp(false))
	r.Register("=out=", membershipOp(true))

	r.Register("%=", likeOp(false, false))
	r.Register("!%=", likeOp(true, false))
	r.Register("=ilike=", likeOp(false, true))
	r.Register("=nilike=", likeOp(true, true))

	r.Register("=contains=", substringOp("contains", false))
	r.Register("=icontains=", substringOp("contains", true))
	r.Register("=startswith=", substringOp("startswith", false))
	r.Register("=istartswith=", substringOp("startswith", true))
	r.Register("=endswith=", substringOp("endswith", false))
	r.Register("=iendswith=", substringOp("endswith", true))

	r.Register("=isempty=", isEmptyOp())

	r.Register("=between=", betweenOp(false))
	r.Register("=nbetween=", betweenOp(true))

	r.Register("=regex=", regexOp(false))
	r.Register("=iregex=", regexOp(true))

	r.Register("=length=", lengthOp(func(n, want int) bool { return n == want }, "="))
	r.Register("=minlength=", lengthOp(func(n, want int) bool { return n >= want }, ">="))
	r.Register("=maxlength=", lengthOp(func(n, want int) bool { return n <= want }, "<="))
}
