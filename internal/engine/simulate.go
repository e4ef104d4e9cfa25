package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"policy-engine/internal/policy"
	"policy-engine/internal/quota"
	"policy-engine/internal/spatial"
)

// SimulationResult is the dry-run outcome for one instance and one
// hypothetical sample. Nothing is persisted and no events are emitted.
type SimulationResult struct {
	InstanceID string           `json:"instance_id"`
	Kind       string           `json:"kind"`
	InScope    bool             `json:"in_scope"`
	Matched    bool             `json:"matched"`
	Rules      []SimulatedRule  `json:"rules,omitempty"`
	Billing    *SimulatedCharge `json:"billing,omitempty"`
}

type SimulatedRule struct {
	RuleID    string `json:"rule_id"`
	Point     string `json:"point"`
	Satisfied bool   `json:"satisfied"`
	NoValue   bool   `json:"no_value,omitempty"`
}

// SimulatedCharge prices the sample against the current persisted quota
// state without advancing it.
type SimulatedCharge struct {
	RuleID        string  `json:"rule_id"`
	FreeUnits     float64 `json:"free_units"`
	PaidUnits     float64 `json:"paid_units"`
	OverflowUnits float64 `json:"overflow_units"`
	Charge        float64 `json:"charge"`
	WouldReset    bool    `json:"would_reset"`
}

// Simulate evaluates a hypothetical sample against one instance, active or
// not. The instance is read from the database, not the cache, so drafts can
// be tested before activation.
func (e *Engine) Simulate(ctx context.Context, instanceID uuid.UUID, s Sample) (*SimulationResult, error) {
	row, err := e.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := row.Definition()
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", row.ID, err)
	}

	out := &SimulationResult{InstanceID: row.ID.String(), Kind: row.Kind}

	sc := spatial.Context{RoomID: s.RoomID, OccupantCategoryID: s.OccupantCategoryID}
	out.InScope = e.resolver.Matches(def.Scope, sc)

	matched := true
	for _, r := range def.Rules {
		sr := SimulatedRule{RuleID: r.ID, Point: r.ModelID + "." + r.Identifier}
		f, err := e.registry.Resolve(r.ModelID, r.Identifier)
		if err != nil {
			return nil, err
		}
		var v any
		if r.References(s.ModelID, s.Identifier) {
			v = s.Value
		} else {
			var ok bool
			v, ok = e.lastPoint(s.EntityID, r.ModelID, r.Identifier)
			if !ok {
				sr.NoValue = true
				matched = false
				out.Rules = append(out.Rules, sr)
				continue
			}
		}
		ok, err := policy.Evaluate(f, r, v)
		if err != nil {
			return nil, err
		}
		sr.Satisfied = ok
		if !ok {
			matched = false
		}
		out.Rules = append(out.Rules, sr)
	}
	out.Matched = out.InScope && matched

	if out.Matched && def.Kind == policy.KindBilling {
		charge, err := e.simulateBilling(ctx, row.ID, def, s)
		if err != nil {
			return nil, err
		}
		out.Billing = charge
	}
	return out, nil
}

func (e *Engine) simulateBilling(ctx context.Context, instanceID uuid.UUID, def policy.Definition, s Sample) (*SimulatedCharge, error) {
	usage, ok := policy.Numeric(s.Value)
	if !ok {
		return nil, fmt.Errorf("billing sample value is not numeric: %v", s.Value)
	}

	var freeRule, paidRule *policy.Rule
	for i := range def.Rules {
		r := &def.Rules[i]
		if !r.References(s.ModelID, s.Identifier) {
			continue
		}
		switch r.BillingMode {
		case policy.BillingFree:
			freeRule = r
		case policy.BillingPaid:
			paidRule = r
		}
	}
	rule := freeRule
	var fallback *float64
	if paidRule != nil {
		fallback = &paidRule.Price
	}
	if rule == nil {
		rule = paidRule
		fallback = nil
	}
	if rule == nil {
		return nil, nil
	}

	row, err := e.repo.GetQuotaState(ctx, instanceID, rule.ID, s.EntityID)
	if err != nil {
		// Same fail-open read as live billing: zero usage stands in for an
		// unreadable accumulator.
		slog.Warn("quota state unreadable, simulating from zero usage",
			"instance_id", instanceID, "rule_id", rule.ID, "entity_id", s.EntityID, "error", err)
		row = nil
	}
	st := quota.State{}
	if row != nil {
		st = quota.State{PeriodUsage: row.PeriodUsage, FreeUsed: row.FreeUsed, LastReset: row.LastReset}
	}
	// Apply mutates the local copy only; the row is never written back.
	res := quota.Apply(&st, *rule, fallback, usage, e.now())
	return &SimulatedCharge{
		RuleID:        rule.ID,
		FreeUnits:     res.FreeUnits,
		PaidUnits:     res.PaidUnits,
		OverflowUnits: res.OverflowUnits,
		Charge:        res.Charge,
		WouldReset:    res.Reset,
	}, nil
}
