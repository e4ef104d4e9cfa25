package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"policy-engine/internal/policy"
)

// Device catalog. IDs are the stable catalog codes referenced by rules and
// telemetry (e.g. "model_water_iot"), not synthetic keys, so policy documents
// stay readable.

type DeviceType struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeviceModel struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	TypeID      string    `gorm:"index:idx_device_models_type_id;not null" json:"type_id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DeviceFeature struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ModelID    string         `gorm:"uniqueIndex:idx_features_model_identifier;not null" json:"model_id"`
	Identifier string         `gorm:"uniqueIndex:idx_features_model_identifier;not null" json:"identifier"`
	Name       string         `gorm:"not null" json:"name"`
	DataType   string         `gorm:"not null" json:"data_type"`
	AccessMode string         `gorm:"not null" json:"access_mode"`
	Unit       string         `json:"unit,omitempty"`
	Specs      datatypes.JSON `gorm:"type:jsonb" json:"specs,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Spatial hierarchy and occupant classification.

type SpatialNode struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ParentID  string    `gorm:"index:idx_spatial_nodes_parent_id" json:"parent_id,omitempty"`
	Kind      string    `gorm:"not null" json:"kind"` // building|floor|room
	Name      string    `gorm:"not null" json:"name"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type OccupantCategory struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyTemplate is the platform-owned reusable definition. Rules, actions
// and scope persist as JSONB documents; edits mutate the row in place and
// never reach instances already materialized from it.
type PolicyTemplate struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Kind        string         `gorm:"index:idx_policy_templates_kind;not null" json:"kind"`
	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `gorm:"not null;default:draft" json:"status"` // draft|published
	Rules       datatypes.JSON `gorm:"type:jsonb;not null" json:"rules"`
	Actions     datatypes.JSON `gorm:"type:jsonb" json:"actions,omitempty"`
	Scope       datatypes.JSON `gorm:"type:jsonb" json:"scope,omitempty"`
	AlarmType   string         `json:"alarm_type,omitempty"`
	AlarmLevel  string         `json:"alarm_level,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PolicyInstance is a project-owned policy: either a deep value copy of a
// template (snapshot at materialization) or hand-authored. SourceTemplateID
// is provenance for display only; it carries no live binding.
type PolicyInstance struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID          string         `gorm:"index:idx_policy_instances_project_id;not null" json:"project_id"`
	Kind               string         `gorm:"index:idx_policy_instances_kind;not null" json:"kind"`
	Name               string         `gorm:"not null" json:"name"`
	Description        string         `json:"description,omitempty"`
	Status             string         `gorm:"not null;default:inactive" json:"status"` // active|inactive
	SourceTemplateID   *uuid.UUID     `gorm:"type:uuid" json:"source_template_id,omitempty"`
	SourceTemplateName string         `json:"source_template_name,omitempty"`
	Rules              datatypes.JSON `gorm:"type:jsonb;not null" json:"rules"`
	Actions            datatypes.JSON `gorm:"type:jsonb" json:"actions,omitempty"`
	Scope              datatypes.JSON `gorm:"type:jsonb" json:"scope,omitempty"`
	AlarmType          string         `json:"alarm_type,omitempty"`
	AlarmLevel         string         `json:"alarm_level,omitempty"`
	CreatedBy          string         `json:"created_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// QuotaState is the persisted accumulator for one (instance, billing rule,
// target entity) triple. Absence means zero usage so far.
type QuotaState struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	InstanceID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_quota_states_key;not null" json:"instance_id"`
	RuleID      string    `gorm:"uniqueIndex:idx_quota_states_key;not null" json:"rule_id"`
	EntityID    string    `gorm:"uniqueIndex:idx_quota_states_key;not null" json:"entity_id"`
	PeriodUsage float64   `json:"period_usage"`
	FreeUsed    float64   `json:"free_used"`
	LastReset   time.Time `json:"last_reset"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PendingDispatch tracks an in-flight control-action unit awaiting device
// acknowledgements. All commands of a satisfied control policy retry as one
// unit; IdempotencyKey = instance id + sample timestamp dedupes redelivery.
type PendingDispatch struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	InstanceID     uuid.UUID      `gorm:"type:uuid;index:idx_pending_dispatches_instance_id;not null" json:"instance_id"`
	IdempotencyKey string         `gorm:"uniqueIndex:idx_pending_dispatches_idem;not null" json:"idempotency_key"`
	Commands       datatypes.JSON `gorm:"type:jsonb;not null" json:"commands"`
	ExpectedAcks   int            `gorm:"not null" json:"expected_acks"`
	Acks           int            `json:"acks"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `gorm:"not null" json:"max_attempts"`
	Status         string         `gorm:"not null;default:pending" json:"status"` // pending|acked|failed
	LastError      string         `json:"last_error,omitempty"`
	NextAttemptAt  time.Time      `gorm:"index:idx_pending_dispatches_next_attempt_at;not null" json:"next_attempt_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Definition decodes the template's JSONB documents into the validated form.
func (t *PolicyTemplate) Definition() (policy.Definition, error) {
	return decodeDefinition(t.Kind, t.Rules, t.Actions, t.Scope, t.AlarmType, t.AlarmLevel)
}

// Definition decodes the instance's JSONB documents into the validated form.
func (p *PolicyInstance) Definition() (policy.Definition, error) {
	return decodeDefinition(p.Kind, p.Rules, p.Actions, p.Scope, p.AlarmType, p.AlarmLevel)
}

func decodeDefinition(kind string, rules, actions, scope datatypes.JSON, alarmType, alarmLevel string) (policy.Definition, error) {
	def := policy.Definition{Kind: policy.Kind(kind), AlarmType: alarmType, AlarmLevel: alarmLevel}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &def.Rules); err != nil {
			return def, fmt.Errorf("decode rules: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &def.Actions); err != nil {
			return def, fmt.Errorf("decode actions: %w", err)
		}
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &def.Scope); err != nil {
			return def, fmt.Errorf("decode scope: %w", err)
		}
	}
	return def, nil
}

func encodeDefinition(def policy.Definition) (rules, actions, scope datatypes.JSON, err error) {
	r, err := json.Marshal(def.Rules)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode rules: %w", err)
	}
	a, err := json.Marshal(def.Actions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode actions: %w", err)
	}
	s, err := json.Marshal(def.Scope)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode scope: %w", err)
	}
	return datatypes.JSON(r), datatypes.JSON(a), datatypes.JSON(s), nil
}
