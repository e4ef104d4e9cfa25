package engine

import "encoding/json"

// Wire format for the dormitory telemetry plane ("dorm.v1"). Adapters publish
// samples, the engine publishes commands and policy events, adapters answer
// commands with command_result.

const (
	SchemaVersion = "dorm.v1"

	TopicSamples        = "dorm/device/sample/#"
	TopicCommandResults = "dorm/device/command_result/#"
	TopicCatalogChanged = "dorm/catalog/changed"
	topicCommandPrefix  = "dorm/device/command/"
	topicEventPrefix    = "dorm/policy/event/"
)

type Envelope struct {
	Schema string `json:"schema"`
	Type   string `json:"type"`
	TS     int64  `json:"ts"`
}

// Sample is one reported point value. The numeric value of a metering point
// is the consumption since the previous report, not a lifetime counter.
type Sample struct {
	Envelope
	EntityID           string `json:"entity_id"`
	ModelID            string `json:"model_id"`
	Identifier         string `json:"identifier"`
	Value              any    `json:"value"`
	RoomID             string `json:"room_id,omitempty"`
	OccupantCategoryID string `json:"occupant_category_id,omitempty"`
}

// Command asks an adapter to write one writable point. Corr is the pending
// dispatch id; every command of one dispatch unit carries the same Corr.
type Command struct {
	Envelope
	EntityID   string `json:"entity_id"`
	ModelID    string `json:"model_id"`
	Identifier string `json:"identifier"`
	Value      string `json:"value"`
	Corr       string `json:"corr"`
}

type CommandResult struct {
	Envelope
	Corr    string `json:"corr"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PolicyEvent is the outcome record published for billing charges, alarms,
// control dispatches and dispatch failures.
type PolicyEvent struct {
	Envelope
	Event        string `json:"event"` // billing|alarm|control_dispatched|dispatch_failed
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	EntityID     string `json:"entity_id,omitempty"`
	RoomID       string `json:"room_id,omitempty"`

	// Billing fields.
	RuleID        string  `json:"rule_id,omitempty"`
	Usage         float64 `json:"usage,omitempty"`
	FreeUnits     float64 `json:"free_units,omitempty"`
	PaidUnits     float64 `json:"paid_units,omitempty"`
	OverflowUnits float64 `json:"overflow_units,omitempty"`
	Charge        float64 `json:"charge,omitempty"`

	// Alarm fields.
	AlarmType  string `json:"alarm_type,omitempty"`
	AlarmLevel string `json:"alarm_level,omitempty"`
	Message    string `json:"message,omitempty"`

	// Control fields.
	DispatchID string `json:"dispatch_id,omitempty"`
	Commands   int    `json:"commands,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

func decodeJSON[T any](b []byte) (T, error) {
	var out T
	err := json.Unmarshal(b, &out)
	return out, err
}
