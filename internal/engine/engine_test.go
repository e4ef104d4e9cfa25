package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"policy-engine/internal/policy"
	"policy-engine/internal/schema"
	"policy-engine/internal/spatial"
	"policy-engine/internal/store"
)

type published struct {
	topic   string
	payload []byte
}

// fakePublisher records every publish in order.
type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) onTopic(prefix string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.sent {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePublisher) events(t *testing.T, event string) []PolicyEvent {
	t.Helper()
	var out []PolicyEvent
	for _, m := range p.onTopic(topicEventPrefix + event) {
		var ev PolicyEvent
		if err := json.Unmarshal(m.payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *store.Repo, *fakePublisher) {
	t.Helper()
	dsn := "file:engine_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	if err := repo.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	registry := schema.NewRegistry(repo)
	if err := registry.Load(ctx); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	resolver := spatial.NewResolver(repo)
	if err := resolver.Refresh(ctx); err != nil {
		t.Fatalf("load resolver: %v", err)
	}

	pub := &fakePublisher{}
	e := New(repo, registry, resolver, pub, Options{})
	return e, repo, pub
}

func mustRaw(t *testing.T, v any) datatypes.JSON {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return datatypes.JSON(b)
}

func activeInstance(t *testing.T, repo *store.Repo, kind string, def policy.Definition) *store.PolicyInstance {
	t.Helper()
	inst := &store.PolicyInstance{
		ProjectID:  "project-1",
		Kind:       kind,
		Name:       kind + " under test",
		Status:     "active",
		Rules:      mustRaw(t, def.Rules),
		Actions:    mustRaw(t, def.Actions),
		Scope:      mustRaw(t, def.Scope),
		AlarmType:  def.AlarmType,
		AlarmLevel: def.AlarmLevel,
	}
	if err := repo.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

func dormScope() policy.Scope {
	return policy.Scope{SpatialIDs: []string{"b_1"}, OccupantCategoryIDs: []string{"u_1"}}
}

func waterSample(ts int64, value any) Sample {
	return Sample{
		Envelope:           Envelope{Schema: SchemaVersion, Type: "sample", TS: ts},
		EntityID:           "meter-101",
		ModelID:            "model_water_iot",
		Identifier:         "total_water",
		Value:              value,
		RoomID:             "r_101",
		OccupantCategoryID: "u_1",
	}
}

func TestBillingPaidOnly(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	rule := policy.Rule{
		ID: "r-paid", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingPaid, Price: 5.0,
		Reset: policy.ResetSchedule{Type: policy.ResetNever},
	}
	inst := activeInstance(t, repo, "billing", policy.Definition{
		Kind: policy.KindBilling, Rules: []policy.Rule{rule}, Scope: dormScope(),
	})
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if err := e.HandleSample(ctx, waterSample(1000, 12.0)); err != nil {
		t.Fatalf("handle sample: %v", err)
	}

	evs := pub.events(t, "billing")
	if len(evs) != 1 {
		t.Fatalf("expected 1 billing event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.Charge != 60.0 || ev.PaidUnits != 12.0 || ev.FreeUnits != 0 {
		t.Fatalf("unexpected billing event %+v", ev)
	}
	if ev.InstanceID != inst.ID.String() || ev.EntityID != "meter-101" {
		t.Fatalf("event attribution wrong: %+v", ev)
	}

	st, err := repo.GetQuotaState(ctx, inst.ID, "r-paid", "meter-101")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if st == nil || st.PeriodUsage != 12.0 {
		t.Fatalf("unexpected quota state %+v", st)
	}
}

func TestBillingFreeQuotaThenPaidOverflow(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	free := policy.Rule{
		ID: "r-free", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingFree, FreeQuota: 80,
		Reset: policy.ResetSchedule{Type: policy.ResetNever},
	}
	paid := policy.Rule{
		ID: "r-overflow", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingPaid, Price: 0.05,
		Reset: policy.ResetSchedule{Type: policy.ResetNever},
	}
	inst := activeInstance(t, repo, "billing", policy.Definition{
		Kind: policy.KindBilling, Rules: []policy.Rule{free, paid}, Scope: dormScope(),
	})
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if err := e.HandleSample(ctx, waterSample(1000, 50.0)); err != nil {
		t.Fatalf("first sample: %v", err)
	}
	if err := e.HandleSample(ctx, waterSample(2000, 50.0)); err != nil {
		t.Fatalf("second sample: %v", err)
	}

	evs := pub.events(t, "billing")
	if len(evs) != 2 {
		t.Fatalf("expected 2 billing events, got %d", len(evs))
	}
	if evs[0].Charge != 0 || evs[0].FreeUnits != 50.0 {
		t.Fatalf("first interval should be fully free: %+v", evs[0])
	}
	if evs[1].FreeUnits != 30.0 || evs[1].PaidUnits != 20.0 || evs[1].Charge != 1.0 {
		t.Fatalf("second interval should split at the free ceiling: %+v", evs[1])
	}

	st, err := repo.GetQuotaState(ctx, inst.ID, "r-free", "meter-101")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if st == nil || st.PeriodUsage != 100.0 || st.FreeUsed != 80.0 {
		t.Fatalf("unexpected quota state %+v", st)
	}
}

func TestScopeExcludesOtherBuilding(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	rule := policy.Rule{
		ID: "r-paid", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingPaid, Price: 5.0,
		Reset: policy.ResetSchedule{Type: policy.ResetNever},
	}
	activeInstance(t, repo, "billing", policy.Definition{
		Kind:  policy.KindBilling,
		Rules: []policy.Rule{rule},
		Scope: policy.Scope{SpatialIDs: []string{"b_2"}, OccupantCategoryIDs: []string{"u_1"}},
	})
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	// r_101 is in building 1, outside the instance scope.
	if err := e.HandleSample(ctx, waterSample(1000, 12.0)); err != nil {
		t.Fatalf("handle sample: %v", err)
	}
	if evs := pub.events(t, "billing"); len(evs) != 0 {
		t.Fatalf("expected no billing events out of scope, got %d", len(evs))
	}
}

func TestAlarmBetweenIsInclusive(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	rule := policy.Rule{
		ID: "r-temp", ModelID: "model_th_sensor", Identifier: "temperature",
		Operator: policy.OpBetween, RangeMin: "18", RangeMax: "26",
	}
	activeInstance(t, repo, "alarm", policy.Definition{
		Kind:       policy.KindAlarm,
		Rules:      []policy.Rule{rule},
		Scope:      dormScope(),
		AlarmType:  "environment",
		AlarmLevel: "warning",
	})
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	sample := func(ts int64, v float64) Sample {
		return Sample{
			Envelope:           Envelope{Schema: SchemaVersion, Type: "sample", TS: ts},
			EntityID:           "sensor-101",
			ModelID:            "model_th_sensor",
			Identifier:         "temperature",
			Value:              v,
			RoomID:             "r_101",
			OccupantCategoryID: "u_1",
		}
	}

	if err := e.HandleSample(ctx, sample(1000, 26.0)); err != nil {
		t.Fatalf("boundary sample: %v", err)
	}
	evs := pub.events(t, "alarm")
	if len(evs) != 1 {
		t.Fatalf("expected alarm at the inclusive upper bound, got %d events", len(evs))
	}
	if evs[0].AlarmType != "environment" || evs[0].AlarmLevel != "warning" || evs[0].Message == "" {
		t.Fatalf("unexpected alarm event %+v", evs[0])
	}

	if err := e.HandleSample(ctx, sample(2000, 27.0)); err != nil {
		t.Fatalf("out-of-range sample: %v", err)
	}
	if evs := pub.events(t, "alarm"); len(evs) != 1 {
		t.Fatalf("27 is outside the range, expected no new alarm, got %d total", len(evs))
	}
}

func TestConjunctionNeedsLastValueOfOtherPoint(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	def := policy.Definition{
		Kind: policy.KindControl,
		Rules: []policy.Rule{
			{ID: "r-flow", ModelID: "model_water_iot", Identifier: "flow_rate", Operator: policy.OpGreater, Threshold: "5"},
			{ID: "r-total", ModelID: "model_water_iot", Identifier: "total_water", Operator: policy.OpGreaterEqual, Threshold: "0.1"},
		},
		Actions: []policy.Action{
			{ID: "a-valve", ModelID: "model_water_iot", Identifier: "valve_control", Value: "false"},
		},
		Scope: dormScope(),
	}
	activeInstance(t, repo, "control", def)
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	flow := Sample{
		Envelope:           Envelope{Schema: SchemaVersion, Type: "sample", TS: 1000},
		EntityID:           "meter-101",
		ModelID:            "model_water_iot",
		Identifier:         "flow_rate",
		Value:              10.0,
		RoomID:             "r_101",
		OccupantCategoryID: "u_1",
	}

	// No total_water value seen yet for this entity, so the conjunction fails.
	if err := e.HandleSample(ctx, flow); err != nil {
		t.Fatalf("flow sample: %v", err)
	}
	if cmds := pub.onTopic(topicCommandPrefix); len(cmds) != 0 {
		t.Fatalf("expected no commands before both points are known, got %d", len(cmds))
	}

	// Now total_water arrives; the flow_rate rule reads the cached 10.0.
	if err := e.HandleSample(ctx, waterSample(2000, 0.5)); err != nil {
		t.Fatalf("total sample: %v", err)
	}
	cmds := pub.onTopic(topicCommandPrefix)
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	var cmd Command
	if err := json.Unmarshal(cmds[0].payload, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.EntityID != "meter-101" || cmd.Identifier != "valve_control" || cmd.Value != "false" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmds[0].topic != topicCommandPrefix+"meter-101" {
		t.Fatalf("unexpected command topic %s", cmds[0].topic)
	}
	if evs := pub.events(t, "control_dispatched"); len(evs) != 1 {
		t.Fatalf("expected a control_dispatched event, got %d", len(evs))
	}
}

func controlEngine(t *testing.T, opts Options) (*Engine, *store.Repo, *fakePublisher) {
	t.Helper()
	e, repo, pub := newTestEngine(t)
	if opts.MaxDispatchAttempts > 0 {
		e.maxAttempts = opts.MaxDispatchAttempts
	}
	if opts.RetryBackoff > 0 {
		e.retryBackoff = opts.RetryBackoff
	}

	def := policy.Definition{
		Kind: policy.KindControl,
		Rules: []policy.Rule{
			{ID: "r-total", ModelID: "model_water_iot", Identifier: "total_water", Operator: policy.OpGreater, Threshold: "1"},
		},
		Actions: []policy.Action{
			{ID: "a-valve", ModelID: "model_water_iot", Identifier: "valve_control", Value: "false"},
		},
		Scope: dormScope(),
	}
	activeInstance(t, repo, "control", def)
	if err := e.ReloadNow(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return e, repo, pub
}

func TestControlDispatchDedupesOnSampleTimestamp(t *testing.T) {
	e, _, pub := controlEngine(t, Options{})
	ctx := context.Background()

	// Broker redelivery: the same sample arrives twice.
	if err := e.HandleSample(ctx, waterSample(1000, 5.0)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := e.HandleSample(ctx, waterSample(1000, 5.0)); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if cmds := pub.onTopic(topicCommandPrefix); len(cmds) != 1 {
		t.Fatalf("expected redelivery to be deduped, got %d commands", len(cmds))
	}

	// A later sample is a new firing.
	if err := e.HandleSample(ctx, waterSample(2000, 5.0)); err != nil {
		t.Fatalf("third sample: %v", err)
	}
	if cmds := pub.onTopic(topicCommandPrefix); len(cmds) != 2 {
		t.Fatalf("expected a fresh dispatch for a new sample, got %d commands", len(cmds))
	}
}

func TestCommandResultAcksDispatch(t *testing.T) {
	e, repo, pub := controlEngine(t, Options{})
	ctx := context.Background()

	if err := e.HandleSample(ctx, waterSample(1000, 5.0)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	cmds := pub.onTopic(topicCommandPrefix)
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	var cmd Command
	if err := json.Unmarshal(cmds[0].payload, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}

	res := CommandResult{
		Envelope: Envelope{Schema: SchemaVersion, Type: "command_result", TS: 1100},
		Corr:     cmd.Corr,
		Success:  true,
	}
	if err := e.HandleCommandResult(ctx, res); err != nil {
		t.Fatalf("command result: %v", err)
	}

	id, err := uuid.Parse(cmd.Corr)
	if err != nil {
		t.Fatalf("corr is not a dispatch id: %v", err)
	}
	d, err := repo.GetPendingDispatch(ctx, id)
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if d == nil || d.Status != "acked" || d.Acks != 1 {
		t.Fatalf("unexpected dispatch state %+v", d)
	}

	// Acked units never retry.
	if err := e.RetryDueDispatches(ctx); err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if got := pub.onTopic(topicCommandPrefix); len(got) != 1 {
		t.Fatalf("acked dispatch must not republish, got %d commands", len(got))
	}
}

func TestFailedCommandResultRecordsError(t *testing.T) {
	e, repo, pub := controlEngine(t, Options{})
	ctx := context.Background()

	if err := e.HandleSample(ctx, waterSample(1000, 5.0)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	var cmd Command
	if err := json.Unmarshal(pub.onTopic(topicCommandPrefix)[0].payload, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}

	res := CommandResult{
		Envelope: Envelope{Schema: SchemaVersion, Type: "command_result", TS: 1100},
		Corr:     cmd.Corr,
		Success:  false,
		Error:    "valve stuck",
	}
	if err := e.HandleCommandResult(ctx, res); err != nil {
		t.Fatalf("command result: %v", err)
	}

	id, _ := uuid.Parse(cmd.Corr)
	d, err := repo.GetPendingDispatch(ctx, id)
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if d == nil || d.Status != "pending" || d.LastError != "valve stuck" {
		t.Fatalf("unexpected dispatch state %+v", d)
	}
}

func TestDispatchRetriesThenFails(t *testing.T) {
	e, repo, pub := controlEngine(t, Options{MaxDispatchAttempts: 2, RetryBackoff: time.Second})
	ctx := context.Background()

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	if err := e.HandleSample(ctx, waterSample(1000, 5.0)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if got := pub.onTopic(topicCommandPrefix); len(got) != 1 {
		t.Fatalf("expected initial publish, got %d", len(got))
	}

	// Second attempt republishes the unit.
	clock = clock.Add(2 * time.Second)
	if err := e.RetryDueDispatches(ctx); err != nil {
		t.Fatalf("first retry pass: %v", err)
	}
	if got := pub.onTopic(topicCommandPrefix); len(got) != 2 {
		t.Fatalf("expected a republish, got %d commands", len(got))
	}

	// Attempts are exhausted now, so the next due pass marks it failed.
	clock = clock.Add(time.Hour)
	if err := e.RetryDueDispatches(ctx); err != nil {
		t.Fatalf("second retry pass: %v", err)
	}
	evs := pub.events(t, "dispatch_failed")
	if len(evs) != 1 {
		t.Fatalf("expected a dispatch_failed event, got %d", len(evs))
	}
	if evs[0].Attempts != 2 || evs[0].Message == "" {
		t.Fatalf("unexpected failure event %+v", evs[0])
	}

	id, _ := uuid.Parse(evs[0].DispatchID)
	d, err := repo.GetPendingDispatch(ctx, id)
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	if d == nil || d.Status != "failed" {
		t.Fatalf("unexpected dispatch state %+v", d)
	}
	if got := pub.onTopic(topicCommandPrefix); len(got) != 2 {
		t.Fatalf("failed dispatch must not republish, got %d commands", len(got))
	}
}

func TestUnknownPointIsRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	s := waterSample(1000, 1.0)
	s.Identifier = "no_such_point"
	if err := e.HandleSample(context.Background(), s); err == nil {
		t.Fatalf("expected an error for an undeclared point")
	}
}

func TestReloadPicksUpActivation(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	rule := policy.Rule{
		ID: "r-paid", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingPaid, Price: 5.0,
		Reset: policy.ResetSchedule{Type: policy.ResetNever},
	}
	inst := activeInstance(t, repo, "billing", policy.Definition{
		Kind: policy.KindBilling, Rules: []policy.Rule{rule}, Scope: dormScope(),
	})
	inst.Status = "inactive"
	if err := repo.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if err := e.HandleSample(ctx, waterSample(1000, 10.0)); err != nil {
		t.Fatalf("sample while inactive: %v", err)
	}
	if evs := pub.events(t, "billing"); len(evs) != 0 {
		t.Fatalf("inactive instance must not bill, got %d events", len(evs))
	}

	if err := repo.SetInstanceStatus(ctx, inst.ID, "active"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload after activation: %v", err)
	}
	if err := e.HandleSample(ctx, waterSample(2000, 10.0)); err != nil {
		t.Fatalf("sample after activation: %v", err)
	}
	if evs := pub.events(t, "billing"); len(evs) != 1 {
		t.Fatalf("expected billing after activation, got %d events", len(evs))
	}
}

func TestBillingSurvivesUnreadableQuotaState(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	rule := policy.Rule{
		ID: "r-paid", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingPaid, Price: 5.0,
		Reset: policy.ResetSchedule{Type: policy.ResetNever},
	}
	inst := activeInstance(t, repo, "billing", policy.Definition{
		Kind: policy.KindBilling, Rules: []policy.Rule{rule}, Scope: dormScope(),
	})
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := e.HandleSample(ctx, waterSample(1000, 10.0)); err != nil {
		t.Fatalf("first sample: %v", err)
	}

	// Mangle the stored accumulator so reading it back fails.
	dsn := "file:engine_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	raw, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := raw.Exec("UPDATE quota_states SET period_usage = 'mangled'").Error; err != nil {
		t.Fatalf("mangle quota state: %v", err)
	}
	if _, err := repo.GetQuotaState(ctx, inst.ID, "r-paid", "meter-101"); err == nil {
		t.Fatalf("expected the mangled row to be unreadable")
	}

	// Billing proceeds from zero usage and rewrites the row.
	if err := e.HandleSample(ctx, waterSample(2000, 12.0)); err != nil {
		t.Fatalf("sample with unreadable state: %v", err)
	}
	evs := pub.events(t, "billing")
	if len(evs) != 2 {
		t.Fatalf("expected billing to keep flowing, got %d events", len(evs))
	}
	if evs[1].Charge != 60.0 || evs[1].PaidUnits != 12.0 {
		t.Fatalf("unexpected billing event %+v", evs[1])
	}
	st, err := repo.GetQuotaState(ctx, inst.ID, "r-paid", "meter-101")
	if err != nil {
		t.Fatalf("get quota after rewrite: %v", err)
	}
	if st == nil || st.PeriodUsage != 12.0 {
		t.Fatalf("accumulator should restart from this period's usage: %+v", st)
	}
}

func TestBillingFreeBetweenChargesNothingInsideRange(t *testing.T) {
	e, repo, pub := newTestEngine(t)
	ctx := context.Background()

	rule := policy.Rule{
		ID: "r-comfort", ModelID: "model_th_sensor", Identifier: "temperature",
		Operator: policy.OpBetween, RangeMin: "18", RangeMax: "26",
		BillingMode: policy.BillingFree,
		Reset:       policy.ResetSchedule{Type: policy.ResetNever},
	}
	inst := activeInstance(t, repo, "billing", policy.Definition{
		Kind: policy.KindBilling, Rules: []policy.Rule{rule}, Scope: dormScope(),
	})
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	sample := func(ts int64, v float64) Sample {
		return Sample{
			Envelope:           Envelope{Schema: SchemaVersion, Type: "sample", TS: ts},
			EntityID:           "sensor-101",
			ModelID:            "model_th_sensor",
			Identifier:         "temperature",
			Value:              v,
			RoomID:             "r_101",
			OccupantCategoryID: "u_1",
		}
	}

	if err := e.HandleSample(ctx, sample(1000, 26.0)); err != nil {
		t.Fatalf("boundary sample: %v", err)
	}
	evs := pub.events(t, "billing")
	if len(evs) != 1 {
		t.Fatalf("expected a billing event at the inclusive upper bound, got %d", len(evs))
	}
	if evs[0].Charge != 0 || evs[0].FreeUnits != 26.0 || evs[0].PaidUnits != 0 {
		t.Fatalf("in-range usage must be free: %+v", evs[0])
	}

	if err := e.HandleSample(ctx, sample(2000, 27.0)); err != nil {
		t.Fatalf("out-of-range sample: %v", err)
	}
	if evs := pub.events(t, "billing"); len(evs) != 1 {
		t.Fatalf("27 is outside the range, expected no new billing event, got %d", len(evs))
	}
	st, err := repo.GetQuotaState(ctx, inst.ID, "r-comfort", "sensor-101")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if st == nil || st.PeriodUsage != 26.0 {
		t.Fatalf("unmatched samples must not accumulate: %+v", st)
	}
}

func TestQuotaRollResetsPassedPeriods(t *testing.T) {
	e, repo, _ := newTestEngine(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	daily := policy.Rule{
		ID: "r-free", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingFree, FreeQuota: 80,
		Reset: policy.ResetSchedule{Type: policy.ResetDaily, Time: "00:00"},
	}
	inst := activeInstance(t, repo, "billing", policy.Definition{
		Kind: policy.KindBilling, Rules: []policy.Rule{daily}, Scope: dormScope(),
	})

	never := policy.Rule{
		ID: "r-never", ModelID: "model_water_iot", Identifier: "total_water",
		Operator: policy.OpGreaterEqual, Threshold: "0",
		BillingMode: policy.BillingPaid, Price: 5.0,
		Reset: policy.ResetSchedule{Type: policy.ResetNever},
	}
	monotonic := activeInstance(t, repo, "billing", policy.Definition{
		Kind: policy.KindBilling, Rules: []policy.Rule{never}, Scope: dormScope(),
	})
	if err := e.ReloadNow(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	// The daily accumulator last rolled two days ago, then stopped sampling.
	if err := repo.SaveQuotaState(ctx, &store.QuotaState{
		InstanceID: inst.ID, RuleID: "r-free", EntityID: "meter-101",
		PeriodUsage: 50, FreeUsed: 50,
		LastReset: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("save daily state: %v", err)
	}
	if err := repo.SaveQuotaState(ctx, &store.QuotaState{
		InstanceID: monotonic.ID, RuleID: "r-never", EntityID: "meter-101",
		PeriodUsage: 30,
	}); err != nil {
		t.Fatalf("save never state: %v", err)
	}

	if err := e.RollQuotaPeriods(ctx); err != nil {
		t.Fatalf("roll pass: %v", err)
	}

	st, err := repo.GetQuotaState(ctx, inst.ID, "r-free", "meter-101")
	if err != nil {
		t.Fatalf("get daily state: %v", err)
	}
	if st == nil || st.PeriodUsage != 0 || st.FreeUsed != 0 {
		t.Fatalf("daily accumulator should have rolled: %+v", st)
	}
	if want := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC); !st.LastReset.Equal(want) {
		t.Fatalf("last reset should pin to the boundary, got %v", st.LastReset)
	}

	keep, err := repo.GetQuotaState(ctx, monotonic.ID, "r-never", "meter-101")
	if err != nil {
		t.Fatalf("get never state: %v", err)
	}
	if keep == nil || keep.PeriodUsage != 30 {
		t.Fatalf("a never schedule must not roll: %+v", keep)
	}
}

func TestPointCacheEvictsSilentEntities(t *testing.T) {
	e, _, _ := newTestEngine(t)
	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	e.rememberPoint(waterSample(1000, 1.0))
	if _, ok := e.lastPoint("meter-101", "model_water_iot", "total_water"); !ok {
		t.Fatalf("expected the cached value")
	}

	// Two days later a different meter reports; only it survives the sweep.
	clock = clock.Add(48 * time.Hour)
	fresh := waterSample(2000, 2.0)
	fresh.EntityID = "meter-102"
	e.rememberPoint(fresh)

	e.sweepPoints(clock.Add(-24 * time.Hour))
	if _, ok := e.lastPoint("meter-101", "model_water_iot", "total_water"); ok {
		t.Fatalf("silent entity should have been evicted")
	}
	if _, ok := e.lastPoint("meter-102", "model_water_iot", "total_water"); !ok {
		t.Fatalf("recently seen entity must survive the sweep")
	}
}

func TestHandleSampleMessageIgnoresForeignSchema(t *testing.T) {
	e, _, pub := controlEngine(t, Options{})
	payload := []byte(`{"schema":"other.v9","type":"sample","ts":1000,"entity_id":"meter-101","model_id":"model_water_iot","identifier":"total_water","value":5}`)
	e.HandleSampleMessage(context.Background(), payload)
	if got := pub.onTopic(topicCommandPrefix); len(got) != 0 {
		t.Fatalf("foreign schema must be dropped, got %d commands", len(got))
	}
}
