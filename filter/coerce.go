package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// asNumber coerces an arbitrary record field value to a float64, matching
// the record evaluator's "Number()-style" loose coercion (§4.1).
func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return n, true
		}
		if epoch, ok := parseDateEpoch(x); ok {
			return epoch, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// asString coerces a record field value to its string representation.
func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// asBool interprets a record field value truthily/falsily, per §4.1's
// boolean-literal comparison rule: 1/"1"/"true" truthy, 0/""/"false"/null
// falsy.
func asBool(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		switch x {
		case "", "0", "false":
			return false
		case "1", "true":
			return true
		default:
			return x != ""
		}
	default:
		if n, ok := asNumber(x); ok {
			return n != 0
		}
		return true
	}
}

// isEmptyValue reports whether v is null, undefined (Go: absent/nil) or an
// empty string, per the =isempty= operator.
func isEmptyValue(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// parseDateEpoch recognises YYYY-MM-DD and full ISO-8601 strings, returning
// the normalised epoch-seconds value used for order comparisons.
func parseDateEpoch(s string) (float64, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return float64(t.Unix()), true
		}
	}
	return 0, false
}

// compareLoose implements the loose-equality coercion for ==/!=/=ieq=/=ine=:
// numeric operands compare numerically when both sides coerce to a number,
// otherwise strings compare (optionally case-insensitively).
func compareLoose(fieldVal any, lit value, caseInsensitive bool) bool {
	if lit.kind == vNumber {
		if n, ok := asNumber(fieldVal); ok {
			return n == lit.num
		}
	}
	if lit.kind == vBool {
		return asBool(fieldVal) == lit.b
	}
	a, b := asString(fieldVal), litString(lit)
	if caseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func litString(v value) string {
	switch v.kind {
	case vString:
		return v.str
	case vNumber:
		return v.str
	case vBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// likeToRegex translates a SQL LIKE pattern ('%' any run, '_' single char)
// into an anchored regular expression for the record evaluator.
func likeToRegex(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexEscapeByte(c))
		}
	}
	b.WriteByte('$')
	return b.String()
}

func regexEscapeByte(c byte) string {
	switch c {
	case '.', '+', '*', '?', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
		return "\\" + string(c)
	default:
		return string(c)
	}
}
