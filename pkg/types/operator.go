package types

import (
	"fmt"
	"reflect"
)

// Operator is a comparison applied by rule conditions and thresholds.
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
	OpMatches            Operator = "MATCHES"
	OpIn                 Operator = "IN"
	OpNotIn              Operator = "NOT_IN"
)

// Numeric reports whether op is one of the six operators that thresholds
// accept: the four ordering comparisons plus EQUALS and NOT_EQUALS.
func (op Operator) Numeric() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return true
	}
	return false
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpContains, OpNotContains, OpMatches, OpIn, OpNotIn:
		return true
	}
	return op.Numeric()
}

// Negated reports whether op belongs to the NOT_* family.
func (op Operator) Negated() bool {
	return op == OpNotEquals || op == OpNotContains || op == OpNotIn
}

// CompareFloat applies op to v and threshold. Unknown or non-numeric
// operators return false.
func CompareFloat(v float64, op Operator, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return v > threshold
	case OpGreaterThanOrEqual:
		return v >= threshold
	case OpLessThan:
		return v < threshold
	case OpLessThanOrEqual:
		return v <= threshold
	case OpEquals:
		return v == threshold
	case OpNotEquals:
		return v != threshold
	default:
		return false
	}
}

// ToFloat converts any Go numeric value to float64. Strings, booleans and
// nil are not numeric.
func ToFloat(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// ParseOperator accepts the canonical names plus the short symbolic forms
// used in older rule files ("gt", ">=", ...).
func ParseOperator(s string) (Operator, error) {
	switch s {
	case ">", "gt":
		return OpGreaterThan, nil
	case ">=", "gte":
		return OpGreaterThanOrEqual, nil
	case "<", "lt":
		return OpLessThan, nil
	case "<=", "lte":
		return OpLessThanOrEqual, nil
	case "==", "eq":
		return OpEquals, nil
	case "!=", "ne":
		return OpNotEquals, nil
	}
	if op := Operator(s); op.Valid() {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// UnmarshalText decodes an operator through ParseOperator, so YAML and JSON
// definitions may use the short forms.
func (op *Operator) UnmarshalText(text []byte) error {
	parsed, err := ParseOperator(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}
