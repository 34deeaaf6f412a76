// Package condition evaluates the declarative predicates attached to rules.
//
// Evaluation never returns an error: anything malformed, unresolved or
// unsafe evaluates to false. Rule content is authored by end users, so the
// evaluator treats every pattern and value as untrusted.
package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ashita-ai/hibiki/internal/model"
)

// Supported operators.
const (
	OpEqual       = "=="
	OpNotEqual    = "!="
	OpGreater     = ">"
	OpGreaterEq   = ">="
	OpLess        = "<"
	OpLessEq      = "<="
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpMatches     = "matches"
	OpNotMatches  = "not_matches"
)

// ResolveFieldPath walks a dot-separated path through nested maps. It returns
// nil as soon as a segment is missing or an intermediate value is not a map.
func ResolveFieldPath(path string, ctx map[string]any) any {
	if path == "" || ctx == nil {
		return nil
	}
	var current any = ctx
	for _, segment := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil
		}
		v, ok := m[segment]
		if !ok {
			return nil
		}
		current = v
	}
	return current
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Evaluate applies one condition to a context.
func Evaluate(c model.Condition, ctx map[string]any) bool {
	if c.Field == "" || c.Operator == "" {
		return false
	}
	actual := ResolveFieldPath(c.Field, ctx)
	if actual == nil {
		return false
	}

	switch c.Operator {
	case OpEqual:
		return Stringify(actual) == Stringify(c.Value)
	case OpNotEqual:
		return Stringify(actual) != Stringify(c.Value)
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		return compareNumeric(c.Operator, actual, c.Value)
	case OpContains:
		return strings.Contains(Stringify(actual), Stringify(c.Value))
	case OpNotContains:
		return !strings.Contains(Stringify(actual), Stringify(c.Value))
	case OpMatches, OpNotMatches:
		re, ok := SafePattern(Stringify(c.Value))
		if !ok {
			return false
		}
		matched := re.MatchString(Stringify(actual))
		if c.Operator == OpMatches {
			return matched
		}
		return !matched
	default:
		return false
	}
}

// EvaluateAll reports whether every condition holds for the event. An empty
// list always holds.
func EvaluateAll(conditions []model.Condition, ctx map[string]any) bool {
	for _, c := range conditions {
		if !Evaluate(c, ctx) {
			return false
		}
	}
	return true
}

func compareNumeric(op string, actual, expected any) bool {
	a, ok := ToFloat(actual)
	if !ok {
		return false
	}
	b, ok := ToFloat(expected)
	if !ok {
		return false
	}
	switch op {
	case OpGreater:
		return a > b
	case OpGreaterEq:
		return a >= b
	case OpLess:
		return a < b
	case OpLessEq:
		return a <= b
	}
	return false
}

// ToFloat coerces a value to float64. Strings must parse completely; NaN,
// booleans, maps and nil do not coerce.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Stringify renders a value the way rule authors expect to compare it:
// nil is empty, whole floats drop their fraction, and maps and lists are JSON.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case fmt.Stringer:
		return s.String()
	case map[string]any, []any:
		raw, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		return fmt.Sprint(s)
	}
}
