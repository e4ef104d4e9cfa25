package policy

// Kind separates the three policy families. Billing policies meter usage,
// control policies drive device commands, alarm policies raise alerts.
type Kind string

const (
	KindBilling Kind = "billing"
	KindControl Kind = "control"
	KindAlarm   Kind = "alarm"
)

func (k Kind) Valid() bool {
	return k == KindBilling || k == KindControl || k == KindAlarm
}

// Operator is a rule comparison operator. The set valid for a rule depends on
// the referenced point's data type.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpBetween      Operator = "BETWEEN"
)

// BillingMode selects how a satisfied billing rule charges usage.
type BillingMode string

const (
	BillingFree BillingMode = "free"
	BillingPaid BillingMode = "paid"
)

// ResetType is the accounting-period reset schedule of a free quota.
type ResetType string

const (
	ResetNever   ResetType = "never"
	ResetDaily   ResetType = "daily"
	ResetMonthly ResetType = "monthly"
)

// ResetSchedule describes when a rule's quota accumulator returns to zero.
// Day is the day of month for monthly resets (clamped to shorter months);
// Time is the reset time of day as "15:04".
type ResetSchedule struct {
	Type ResetType `json:"type"`
	Day  int       `json:"day,omitempty"`
	Time string    `json:"time,omitempty"`
}

// Rule references one device point and the condition a sample must satisfy.
// Threshold and the range bounds are authored as strings (the console submits
// them that way) and parsed per the point's data type at validation time.
type Rule struct {
	ID         string `json:"id"`
	ModelID    string `json:"model_id"`
	Identifier string `json:"identifier"`

	Operator  Operator `json:"operator"`
	Threshold string   `json:"threshold,omitempty"`
	RangeMin  string   `json:"range_min,omitempty"`
	RangeMax  string   `json:"range_max,omitempty"`

	// Billing semantics. Empty mode means the rule is a pure condition.
	BillingMode BillingMode   `json:"billing_mode,omitempty"`
	Price       float64       `json:"price,omitempty"`
	FreeQuota   float64       `json:"free_quota,omitempty"`
	Reset       ResetSchedule `json:"reset"`
}

// References reports whether the rule is bound to the given point.
func (r Rule) References(modelID, identifier string) bool {
	return r.ModelID == modelID && r.Identifier == identifier
}

// Action asserts a literal value on a writable point when a control policy's
// rules are satisfied.
type Action struct {
	ID         string `json:"id"`
	ModelID    string `json:"model_id"`
	Identifier string `json:"identifier"`
	Value      string `json:"value"`
}

// Scope restricts where a policy applies: a set of spatial node ids
// (hierarchical, a building implies its floors and rooms) and a set of
// occupant category ids. Both dimensions must match; an empty set on either
// dimension matches nothing.
type Scope struct {
	SpatialIDs          []string `json:"spatial_ids"`
	OccupantCategoryIDs []string `json:"occupant_category_ids"`
}

// Empty reports whether the scope can never match.
func (s Scope) Empty() bool {
	return len(s.SpatialIDs) == 0 || len(s.OccupantCategoryIDs) == 0
}

// Alarm classification, from the platform's alarm template form.
var (
	AlarmTypes  = []string{"security", "environment", "device", "behavior"}
	AlarmLevels = []string{"critical", "warning", "info"}
)

func ValidAlarmType(t string) bool {
	for _, v := range AlarmTypes {
		if v == t {
			return true
		}
	}
	return false
}

func ValidAlarmLevel(l string) bool {
	for _, v := range AlarmLevels {
		if v == l {
			return true
		}
	}
	return false
}
