package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DataType is the declared type of a device point. Comparison semantics in
// the condition evaluator are gated on it.
type DataType string

const (
	TypeInteger  DataType = "integer"
	TypeFloat    DataType = "float"
	TypeBoolean  DataType = "boolean"
	TypeEnum     DataType = "enum"
	TypeString   DataType = "string"
	TypeDatetime DataType = "datetime"
)

func (t DataType) Valid() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeBoolean, TypeEnum, TypeString, TypeDatetime:
		return true
	}
	return false
}

// Numeric reports whether values of this type order as numbers.
func (t DataType) Numeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// AccessMode mirrors the catalog's r/rw/w point access declaration.
type AccessMode string

const (
	AccessRead      AccessMode = "r"
	AccessReadWrite AccessMode = "rw"
	AccessWrite     AccessMode = "w"
)

func (m AccessMode) Valid() bool {
	return m == AccessRead || m == AccessReadWrite || m == AccessWrite
}

// Writable reports whether the point accepts commands.
func (m AccessMode) Writable() bool {
	return m == AccessReadWrite || m == AccessWrite
}

// Specs is the type-specific constraint payload of a feature. Exactly one
// variant is populated, matching the feature's data type.
type Specs struct {
	Numeric  *NumericSpec  `json:"numeric,omitempty"`
	Enum     *EnumSpec     `json:"enum,omitempty"`
	Boolean  *BooleanSpec  `json:"boolean,omitempty"`
	String   *StringSpec   `json:"string,omitempty"`
	Datetime *DatetimeSpec `json:"datetime,omitempty"`
}

type NumericSpec struct {
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`
}

// EnumSpec maps raw enum values to display labels, e.g. "0" -> "Valve closed".
type EnumSpec struct {
	Values map[string]string `json:"values"`
}

type BooleanSpec struct {
	TrueLabel  string `json:"true_label,omitempty"`
	FalseLabel string `json:"false_label,omitempty"`
}

type StringSpec struct {
	MaxLength int `json:"max_length,omitempty"`
}

type DatetimeSpec struct {
	// Format is a Go reference layout. Empty means RFC 3339.
	Format string `json:"format,omitempty"`
}

// Feature is a single telemetry or control point of a device model.
type Feature struct {
	ModelID    string     `json:"model_id"`
	Identifier string     `json:"identifier"`
	Name       string     `json:"name"`
	DataType   DataType   `json:"data_type"`
	AccessMode AccessMode `json:"access_mode"`
	Unit       string     `json:"unit,omitempty"`
	Specs      Specs      `json:"specs"`
}

// Key returns the registry cache key for a (model, point) pair.
func (f Feature) Key() string { return f.ModelID + "." + f.Identifier }

// DecodeSpecs parses a persisted specs document against the declared data
// type. The stored shape is the variant payload itself (min/max for numeric,
// value->label map for enum, ...), as authored by the catalog console.
func DecodeSpecs(t DataType, raw []byte) (Specs, error) {
	var s Specs
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	switch t {
	case TypeInteger, TypeFloat:
		var n NumericSpec
		if err := json.Unmarshal(raw, &n); err != nil {
			return s, fmt.Errorf("numeric specs: %w", err)
		}
		s.Numeric = &n
	case TypeEnum:
		var values map[string]string
		if err := json.Unmarshal(raw, &values); err != nil {
			return s, fmt.Errorf("enum specs: %w", err)
		}
		if len(values) == 0 {
			return s, errors.New("enum specs require at least one value")
		}
		s.Enum = &EnumSpec{Values: values}
	case TypeBoolean:
		var b BooleanSpec
		if err := json.Unmarshal(raw, &b); err != nil {
			return s, fmt.Errorf("boolean specs: %w", err)
		}
		s.Boolean = &b
	case TypeString:
		var st StringSpec
		if err := json.Unmarshal(raw, &st); err != nil {
			return s, fmt.Errorf("string specs: %w", err)
		}
		s.String = &st
	case TypeDatetime:
		var d DatetimeSpec
		if err := json.Unmarshal(raw, &d); err != nil {
			return s, fmt.Errorf("datetime specs: %w", err)
		}
		s.Datetime = &d
	default:
		return s, fmt.Errorf("unknown data type: %s", t)
	}
	return s, nil
}

// EncodeSpecs is the inverse of DecodeSpecs, producing the flat variant
// payload stored in the catalog.
func EncodeSpecs(t DataType, s Specs) ([]byte, error) {
	switch t {
	case TypeInteger, TypeFloat:
		if s.Numeric == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(s.Numeric)
	case TypeEnum:
		if s.Enum == nil {
			return nil, errors.New("enum feature requires enum specs")
		}
		return json.Marshal(s.Enum.Values)
	case TypeBoolean:
		if s.Boolean == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(s.Boolean)
	case TypeString:
		if s.String == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(s.String)
	case TypeDatetime:
		if s.Datetime == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(s.Datetime)
	}
	return nil, fmt.Errorf("unknown data type: %s", t)
}

// Validate checks a feature definition for catalog admission.
func (f Feature) Validate() error {
	if strings.TrimSpace(f.ModelID) == "" {
		return errors.New("feature model_id is required")
	}
	if strings.TrimSpace(f.Identifier) == "" {
		return errors.New("feature identifier is required")
	}
	if !f.DataType.Valid() {
		return fmt.Errorf("unsupported data type: %s", f.DataType)
	}
	if !f.AccessMode.Valid() {
		return fmt.Errorf("unsupported access mode: %s", f.AccessMode)
	}
	if f.DataType == TypeEnum && (f.Specs.Enum == nil || len(f.Specs.Enum.Values) == 0) {
		return errors.New("enum feature requires enum values")
	}
	if f.Specs.Numeric != nil && f.Specs.Numeric.Min != nil && f.Specs.Numeric.Max != nil &&
		*f.Specs.Numeric.Min > *f.Specs.Numeric.Max {
		return errors.New("numeric specs min must not exceed max")
	}
	return nil
}
