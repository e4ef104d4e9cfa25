package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"policy-engine/internal/schema"
)

// OperatorsFor returns the operator set a data type admits. Numeric and
// string points order fully; enum and boolean only compare for identity;
// datetime admits identity plus before/after.
func OperatorsFor(t schema.DataType) []Operator {
	switch t {
	case schema.TypeInteger, schema.TypeFloat, schema.TypeString:
		return []Operator{OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual, OpBetween}
	case schema.TypeEnum, schema.TypeBoolean:
		return []Operator{OpEqual, OpNotEqual}
	case schema.TypeDatetime:
		return []Operator{OpEqual, OpNotEqual, OpGreater, OpLess}
	}
	return nil
}

// OperatorAllowed reports whether op is valid for points of type t.
func OperatorAllowed(t schema.DataType, op Operator) bool {
	for _, o := range OperatorsFor(t) {
		if o == op {
			return true
		}
	}
	return false
}

// Evaluate decides whether a sampled value satisfies the rule's condition,
// using comparison semantics declared by the point's data type. Rules are
// validated before activation, so a malformed threshold here is reported as
// an error rather than silently failing the condition.
func Evaluate(f schema.Feature, r Rule, value any) (bool, error) {
	switch f.DataType {
	case schema.TypeInteger, schema.TypeFloat:
		return evaluateNumeric(r, value)
	case schema.TypeString:
		return evaluateString(r, value)
	case schema.TypeBoolean:
		return evaluateBoolean(r, value)
	case schema.TypeEnum:
		return evaluateEnum(r, value)
	case schema.TypeDatetime:
		return evaluateDatetime(f, r, value)
	}
	return false, fmt.Errorf("unsupported data type: %s", f.DataType)
}

func evaluateNumeric(r Rule, value any) (bool, error) {
	v, ok := toFloat(value)
	if !ok {
		return false, nil
	}
	if r.Operator == OpBetween {
		lo, err := strconv.ParseFloat(strings.TrimSpace(r.RangeMin), 64)
		if err != nil {
			return false, fmt.Errorf("range min: %w", err)
		}
		hi, err := strconv.ParseFloat(strings.TrimSpace(r.RangeMax), 64)
		if err != nil {
			return false, fmt.Errorf("range max: %w", err)
		}
		// Closed on both ends: boundary values satisfy.
		return lo <= v && v <= hi, nil
	}
	want, err := strconv.ParseFloat(strings.TrimSpace(r.Threshold), 64)
	if err != nil {
		return false, fmt.Errorf("threshold: %w", err)
	}
	switch r.Operator {
	case OpGreater:
		return v > want, nil
	case OpGreaterEqual:
		return v >= want, nil
	case OpLess:
		return v < want, nil
	case OpLessEqual:
		return v <= want, nil
	case OpEqual:
		return math.Abs(v-want) < 1e-9, nil
	case OpNotEqual:
		return math.Abs(v-want) >= 1e-9, nil
	}
	return false, fmt.Errorf("unsupported numeric operator: %s", r.Operator)
}

func evaluateString(r Rule, value any) (bool, error) {
	v, ok := value.(string)
	if !ok {
		return false, nil
	}
	if r.Operator == OpBetween {
		return r.RangeMin <= v && v <= r.RangeMax, nil
	}
	switch r.Operator {
	case OpGreater:
		return v > r.Threshold, nil
	case OpGreaterEqual:
		return v >= r.Threshold, nil
	case OpLess:
		return v < r.Threshold, nil
	case OpLessEqual:
		return v <= r.Threshold, nil
	case OpEqual:
		return v == r.Threshold, nil
	case OpNotEqual:
		return v != r.Threshold, nil
	}
	return false, fmt.Errorf("unsupported string operator: %s", r.Operator)
}

func evaluateBoolean(r Rule, value any) (bool, error) {
	v, ok := toBool(value)
	if !ok {
		return false, nil
	}
	want, ok := toBool(r.Threshold)
	if !ok {
		return false, fmt.Errorf("threshold %q is not a boolean", r.Threshold)
	}
	switch r.Operator {
	case OpEqual:
		return v == want, nil
	case OpNotEqual:
		return v != want, nil
	}
	return false, fmt.Errorf("unsupported boolean operator: %s", r.Operator)
}

func evaluateEnum(r Rule, value any) (bool, error) {
	v := enumKey(value)
	want := strings.TrimSpace(r.Threshold)
	switch r.Operator {
	case OpEqual:
		return v == want, nil
	case OpNotEqual:
		return v != want, nil
	}
	return false, fmt.Errorf("unsupported enum operator: %s", r.Operator)
}

func evaluateDatetime(f schema.Feature, r Rule, value any) (bool, error) {
	layout := time.RFC3339
	if f.Specs.Datetime != nil && f.Specs.Datetime.Format != "" {
		layout = f.Specs.Datetime.Format
	}
	raw, ok := value.(string)
	if !ok {
		return false, nil
	}
	v, err := time.Parse(layout, raw)
	if err != nil {
		return false, nil
	}
	want, err := time.Parse(layout, strings.TrimSpace(r.Threshold))
	if err != nil {
		return false, fmt.Errorf("threshold: %w", err)
	}
	switch r.Operator {
	case OpEqual:
		return v.Equal(want), nil
	case OpNotEqual:
		return !v.Equal(want), nil
	case OpGreater:
		return v.After(want), nil
	case OpLess:
		return v.Before(want), nil
	}
	return false, fmt.Errorf("unsupported datetime operator: %s", r.Operator)
}

// Numeric coerces a sample value to float64. It accepts the shapes JSON
// decoding and callers produce, including numeric strings.
func Numeric(v any) (float64, bool) {
	return toFloat(v)
}

// toFloat coerces the numeric shapes JSON decoding and callers produce.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "on":
			return true, true
		case "false", "0", "off":
			return false, true
		}
		return false, false
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	default:
		return false, false
	}
}

// enumKey canonicalizes a sampled enum value to its string key. JSON numbers
// arrive as float64; integral ones render without a fraction so "1" matches.
func enumKey(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", t)
	}
}
