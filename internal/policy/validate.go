package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"policy-engine/internal/schema"
)

// ConfigurationError reports an invalid policy definition. It is raised at
// validation time, before a policy can activate; a policy that fails
// validation stays in draft and never reaches evaluation.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FeatureResolver looks up a point definition during validation. The schema
// registry's Resolve satisfies it.
type FeatureResolver func(modelID, identifier string) (schema.Feature, error)

// Definition is the validated payload of a template or instance: its rules,
// actions, scope and alarm classification.
type Definition struct {
	Kind       Kind     `json:"kind"`
	Rules      []Rule   `json:"rules"`
	Actions    []Action `json:"actions,omitempty"`
	Scope      Scope    `json:"scope"`
	AlarmType  string   `json:"alarm_type,omitempty"`
	AlarmLevel string   `json:"alarm_level,omitempty"`
}

// Validate checks a definition against the device catalog. It covers the
// structural constraints that make evaluation safe: operator/data-type
// gating, well-formed ranges and thresholds, writable action targets, and
// the billing-rule pairing invariant (at most one free and one paid rule per
// point, the paid one acting as the free rule's overflow fallback).
func Validate(def Definition, resolve FeatureResolver) error {
	if !def.Kind.Valid() {
		return configErr("kind", "unsupported policy kind: %s", def.Kind)
	}
	if len(def.Rules) == 0 {
		return configErr("rules", "at least one rule is required")
	}

	type billingPair struct{ free, paid int }
	billing := map[string]*billingPair{}

	for i, r := range def.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(r.ModelID) == "" || strings.TrimSpace(r.Identifier) == "" {
			return configErr(field, "model_id and identifier are required")
		}
		f, err := resolve(r.ModelID, r.Identifier)
		if err != nil {
			return &ConfigurationError{Field: field, Message: fmt.Sprintf("unknown point %s.%s", r.ModelID, r.Identifier), Err: err}
		}
		if !OperatorAllowed(f.DataType, r.Operator) {
			return configErr(field, "operator %s is not valid for %s points", r.Operator, f.DataType)
		}
		if err := validateOperands(f, r); err != nil {
			return &ConfigurationError{Field: field, Message: err.Error(), Err: err}
		}
		if err := validateReset(r.Reset); err != nil {
			return &ConfigurationError{Field: field, Message: err.Error(), Err: err}
		}

		switch r.BillingMode {
		case "":
		case BillingFree, BillingPaid:
			if def.Kind != KindBilling {
				return configErr(field, "billing mode is only valid on billing policies")
			}
			if !f.DataType.Numeric() {
				return configErr(field, "billing requires a numeric point, %s is %s", r.Identifier, f.DataType)
			}
			key := r.ModelID + "." + r.Identifier
			if billing[key] == nil {
				billing[key] = &billingPair{}
			}
			if r.BillingMode == BillingPaid {
				if r.Price <= 0 {
					return configErr(field, "paid billing requires a positive unit price")
				}
				billing[key].paid++
			} else {
				if r.FreeQuota < 0 {
					return configErr(field, "free quota must not be negative")
				}
				billing[key].free++
			}
		default:
			return configErr(field, "unsupported billing mode: %s", r.BillingMode)
		}
	}

	if def.Kind == KindBilling {
		if len(billing) == 0 {
			return configErr("rules", "a billing policy requires at least one billing rule")
		}
		for key, p := range billing {
			if p.free > 1 || p.paid > 1 {
				return configErr("rules", "at most one free and one paid billing rule per point (%s)", key)
			}
		}
		if len(def.Actions) > 0 {
			return configErr("actions", "billing policies do not carry actions")
		}
	}

	switch def.Kind {
	case KindControl:
		if len(def.Actions) == 0 {
			return configErr("actions", "a control policy requires at least one action")
		}
		for i, a := range def.Actions {
			field := fmt.Sprintf("actions[%d]", i)
			if strings.TrimSpace(a.ModelID) == "" || strings.TrimSpace(a.Identifier) == "" {
				return configErr(field, "model_id and identifier are required")
			}
			f, err := resolve(a.ModelID, a.Identifier)
			if err != nil {
				return &ConfigurationError{Field: field, Message: fmt.Sprintf("unknown point %s.%s", a.ModelID, a.Identifier), Err: err}
			}
			if !f.AccessMode.Writable() {
				return configErr(field, "point %s.%s is not writable", a.ModelID, a.Identifier)
			}
			if err := validateActionValue(f, a.Value); err != nil {
				return &ConfigurationError{Field: field, Message: err.Error(), Err: err}
			}
		}
	case KindAlarm:
		if !ValidAlarmType(def.AlarmType) {
			return configErr("alarm_type", "unsupported alarm type: %s", def.AlarmType)
		}
		if !ValidAlarmLevel(def.AlarmLevel) {
			return configErr("alarm_level", "unsupported alarm level: %s", def.AlarmLevel)
		}
		if len(def.Actions) > 0 {
			return configErr("actions", "alarm policies do not carry actions")
		}
	}

	return nil
}

// ValidateForActivation additionally requires a populated scope. An empty
// scope is storable in draft but matches nothing, so activation rejects it.
func ValidateForActivation(def Definition, resolve FeatureResolver) error {
	if err := Validate(def, resolve); err != nil {
		return err
	}
	if def.Scope.Empty() {
		return configErr("scope", "spatial nodes and occupant categories are required for activation")
	}
	return nil
}

func validateOperands(f schema.Feature, r Rule) error {
	if r.Operator == OpBetween {
		if strings.TrimSpace(r.RangeMin) == "" || strings.TrimSpace(r.RangeMax) == "" {
			return errors.New("BETWEEN requires both range bounds")
		}
		if f.DataType.Numeric() {
			lo, err := strconv.ParseFloat(strings.TrimSpace(r.RangeMin), 64)
			if err != nil {
				return fmt.Errorf("range min %q is not numeric", r.RangeMin)
			}
			hi, err := strconv.ParseFloat(strings.TrimSpace(r.RangeMax), 64)
			if err != nil {
				return fmt.Errorf("range max %q is not numeric", r.RangeMax)
			}
			if lo > hi {
				return errors.New("range min must not exceed max")
			}
		}
		return nil
	}

	if strings.TrimSpace(r.Threshold) == "" {
		return errors.New("threshold is required")
	}
	switch f.DataType {
	case schema.TypeInteger, schema.TypeFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(r.Threshold), 64); err != nil {
			return fmt.Errorf("threshold %q is not numeric", r.Threshold)
		}
	case schema.TypeBoolean:
		if _, ok := toBool(r.Threshold); !ok {
			return fmt.Errorf("threshold %q is not a boolean", r.Threshold)
		}
	case schema.TypeEnum:
		if f.Specs.Enum == nil {
			return errors.New("enum point has no declared values")
		}
		if _, ok := f.Specs.Enum.Values[strings.TrimSpace(r.Threshold)]; !ok {
			return fmt.Errorf("threshold %q is not an enum value", r.Threshold)
		}
	case schema.TypeDatetime:
		layout := time.RFC3339
		if f.Specs.Datetime != nil && f.Specs.Datetime.Format != "" {
			layout = f.Specs.Datetime.Format
		}
		if _, err := time.Parse(layout, strings.TrimSpace(r.Threshold)); err != nil {
			return fmt.Errorf("threshold %q does not match the point's datetime format", r.Threshold)
		}
	}
	return nil
}

func validateReset(rs ResetSchedule) error {
	switch rs.Type {
	case "", ResetNever:
		return nil
	case ResetDaily:
		return validateResetTime(rs.Time)
	case ResetMonthly:
		if rs.Day < 1 || rs.Day > 31 {
			return fmt.Errorf("monthly reset day must be 1..31, got %d", rs.Day)
		}
		return validateResetTime(rs.Time)
	}
	return fmt.Errorf("unsupported reset type: %s", rs.Type)
}

func validateResetTime(t string) error {
	if strings.TrimSpace(t) == "" {
		return nil // midnight
	}
	if _, err := time.Parse("15:04", strings.TrimSpace(t)); err != nil {
		return fmt.Errorf("reset time %q must be HH:MM", t)
	}
	return nil
}

func validateActionValue(f schema.Feature, value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return errors.New("action value is required")
	}
	switch f.DataType {
	case schema.TypeInteger, schema.TypeFloat:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("action value %q is not numeric", value)
		}
	case schema.TypeBoolean:
		if _, ok := toBool(v); !ok {
			return fmt.Errorf("action value %q is not a boolean", value)
		}
	case schema.TypeEnum:
		if f.Specs.Enum == nil {
			return errors.New("enum point has no declared values")
		}
		if _, ok := f.Specs.Enum.Values[v]; !ok {
			return fmt.Errorf("action value %q is not an enum value", value)
		}
	case schema.TypeString:
		if f.Specs.String != nil && f.Specs.String.MaxLength > 0 && len(v) > f.Specs.String.MaxLength {
			return fmt.Errorf("action value exceeds max length %d", f.Specs.String.MaxLength)
		}
	}
	return nil
}
