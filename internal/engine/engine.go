package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"policy-engine/internal/metrics"
	"policy-engine/internal/policy"
	"policy-engine/internal/quota"
	"policy-engine/internal/realtime"
	"policy-engine/internal/schema"
	"policy-engine/internal/spatial"
	"policy-engine/internal/store"
)

// Publisher abstracts the MQTT client for command and event emission so the
// engine can be exercised in tests without a broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Engine struct {
	repo     *store.Repo
	registry *schema.Registry
	resolver *spatial.Resolver
	pub      Publisher
	hub      *realtime.Hub

	locks *quota.KeyedMutex

	mu         sync.RWMutex
	instances  []cachedInstance
	points     map[string]map[string]any
	pointsSeen map[string]time.Time

	cron *cron.Cron

	reloadEvery  time.Duration
	maxAttempts  int
	retryBackoff time.Duration

	now func() time.Time
}

type cachedInstance struct {
	row store.PolicyInstance
	def policy.Definition
}

type Options struct {
	// Hub is optional; without it no live events are pushed.
	Hub *realtime.Hub

	MaxDispatchAttempts int
	RetryBackoff        time.Duration
}

func New(repo *store.Repo, registry *schema.Registry, resolver *spatial.Resolver, pub Publisher, opts Options) *Engine {
	maxAttempts := opts.MaxDispatchAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Engine{
		repo:         repo,
		registry:     registry,
		resolver:     resolver,
		pub:          pub,
		hub:          opts.Hub,
		locks:        quota.NewKeyedMutex(),
		points:       map[string]map[string]any{},
		pointsSeen:   map[string]time.Time{},
		cron:         cron.New(),
		reloadEvery:  10 * time.Second,
		maxAttempts:  maxAttempts,
		retryBackoff: backoff,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.reload(ctx); err != nil {
		return err
	}

	// Dispatch retries and housekeeping run on fixed schedules.
	if _, err := e.cron.AddFunc("* * * * *", func() {
		if err := e.RetryDueDispatches(context.Background()); err != nil {
			slog.Warn("dispatch retry pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if _, err := e.cron.AddFunc("0 * * * *", func() {
		cutoff := e.now().Add(-24 * time.Hour)
		if err := e.repo.PruneFinishedDispatches(context.Background(), cutoff); err != nil {
			slog.Warn("dispatch prune failed", "error", err)
		}
		e.sweepPoints(cutoff)
	}); err != nil {
		return err
	}

	// Proactive roll keeps accumulators current for entities that stopped
	// sampling; the lazy reset in Apply covers everything in between.
	if _, err := e.cron.AddFunc("*/5 * * * *", func() {
		if err := e.RollQuotaPeriods(context.Background()); err != nil {
			slog.Warn("quota roll pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	e.cron.Start()

	go e.reloadLoop(ctx)
	return nil
}

func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

// ReloadNow refreshes the active instance cache from the database
// immediately. HTTP handlers call this so activations take effect without
// waiting for the periodic reload.
func (e *Engine) ReloadNow(ctx context.Context) error {
	return e.reload(ctx)
}

func (e *Engine) reloadLoop(ctx context.Context) {
	t := time.NewTicker(e.reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.reload(ctx); err != nil {
				slog.Warn("instance reload failed", "error", err)
			}
		}
	}
}

func (e *Engine) reload(ctx context.Context) error {
	rows, err := e.repo.ListActiveInstances(ctx)
	if err != nil {
		return err
	}

	// Build the new cache, then swap.
	cached := make([]cachedInstance, 0, len(rows))
	for _, row := range rows {
		def, err := row.Definition()
		if err != nil {
			slog.Warn("invalid instance definition", "instance_id", row.ID, "error", err)
			continue
		}
		cached = append(cached, cachedInstance{row: row, def: def})
	}

	e.mu.Lock()
	e.instances = cached
	e.mu.Unlock()
	return nil
}

// HandleSampleMessage decodes one MQTT sample payload and processes it.
// Malformed or unknown-schema payloads are dropped.
func (e *Engine) HandleSampleMessage(ctx context.Context, payload []byte) {
	s, err := decodeJSON[Sample](payload)
	if err != nil {
		return
	}
	if s.Schema != SchemaVersion || s.Type != "sample" {
		return
	}
	if err := e.HandleSample(ctx, s); err != nil {
		slog.Warn("sample processing failed", "entity_id", s.EntityID, "point", s.ModelID+"."+s.Identifier, "error", err)
	}
}

// HandleSample runs one telemetry sample through every active instance whose
// rules reference the sampled point and whose scope covers the sample's
// room and occupant category.
func (e *Engine) HandleSample(ctx context.Context, s Sample) error {
	feature, err := e.registry.Resolve(s.ModelID, s.Identifier)
	if err != nil {
		metrics.SamplesTotal.WithLabelValues(s.ModelID, "rejected").Inc()
		return fmt.Errorf("resolve point %s.%s: %w", s.ModelID, s.Identifier, err)
	}
	metrics.SamplesTotal.WithLabelValues(s.ModelID, "processed").Inc()

	e.rememberPoint(s)

	sc := spatial.Context{RoomID: s.RoomID, OccupantCategoryID: s.OccupantCategoryID}

	e.mu.RLock()
	candidates := make([]cachedInstance, 0, 4)
	for _, c := range e.instances {
		if !referencesPoint(c.def.Rules, s.ModelID, s.Identifier) {
			continue
		}
		if !e.resolver.Matches(c.def.Scope, sc) {
			continue
		}
		candidates = append(candidates, c)
	}
	e.mu.RUnlock()

	var firstErr error
	for _, c := range candidates {
		matched, err := e.evaluateInstance(c, s, feature)
		if err != nil {
			metrics.EvaluationsTotal.WithLabelValues(c.row.Kind, "error").Inc()
			slog.Warn("instance evaluation failed", "instance_id", c.row.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !matched {
			metrics.EvaluationsTotal.WithLabelValues(c.row.Kind, "unmatched").Inc()
			continue
		}
		metrics.EvaluationsTotal.WithLabelValues(c.row.Kind, "matched").Inc()

		switch c.def.Kind {
		case policy.KindBilling:
			err = e.applyBilling(ctx, c, s)
		case policy.KindControl:
			err = e.applyControl(ctx, c, s)
		case policy.KindAlarm:
			err = e.applyAlarm(c, s, feature)
		}
		if err != nil {
			slog.Warn("policy action failed", "instance_id", c.row.ID, "kind", c.row.Kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// rememberPoint keeps the latest value per entity point so rules on other
// points of the same entity can be evaluated conjunctively.
func (e *Engine) rememberPoint(s Sample) {
	key := s.ModelID + "." + s.Identifier
	e.mu.Lock()
	m, ok := e.points[s.EntityID]
	if !ok {
		m = map[string]any{}
		e.points[s.EntityID] = m
	}
	m[key] = s.Value
	e.pointsSeen[s.EntityID] = e.now()
	e.mu.Unlock()
}

// sweepPoints drops last-value entries for entities silent since the cutoff,
// keeping the cache bounded by the actively reporting fleet.
func (e *Engine) sweepPoints(cutoff time.Time) {
	e.mu.Lock()
	for id, seen := range e.pointsSeen {
		if seen.Before(cutoff) {
			delete(e.points, id)
			delete(e.pointsSeen, id)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) lastPoint(entityID, modelID, identifier string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.points[entityID]
	if !ok {
		return nil, false
	}
	v, ok := m[modelID+"."+identifier]
	return v, ok
}

func referencesPoint(rules []policy.Rule, modelID, identifier string) bool {
	for _, r := range rules {
		if r.References(modelID, identifier) {
			return true
		}
	}
	return false
}

// evaluateInstance checks the full rule conjunction. The sampled point uses
// the incoming value; rules on other points read the entity's last reported
// value and fail the conjunction when none has been seen yet.
func (e *Engine) evaluateInstance(c cachedInstance, s Sample, sampled schema.Feature) (bool, error) {
	for _, r := range c.def.Rules {
		var (
			f   schema.Feature
			v   any
			err error
		)
		if r.References(s.ModelID, s.Identifier) {
			f, v = sampled, s.Value
		} else {
			f, err = e.registry.Resolve(r.ModelID, r.Identifier)
			if err != nil {
				return false, err
			}
			var ok bool
			v, ok = e.lastPoint(s.EntityID, r.ModelID, r.Identifier)
			if !ok {
				return false, nil
			}
		}
		ok, err := policy.Evaluate(f, r, v)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// applyBilling folds the sample's usage into the quota accumulator of the
// billing rule bound to the sampled point. At most one free and one paid
// rule can be bound to a point; the paid rule prices overflow beyond the
// free ceiling.
func (e *Engine) applyBilling(ctx context.Context, c cachedInstance, s Sample) error {
	usage, ok := policy.Numeric(s.Value)
	if !ok {
		return fmt.Errorf("billing sample value is not numeric: %v", s.Value)
	}

	var freeRule, paidRule *policy.Rule
	for i := range c.def.Rules {
		r := &c.def.Rules[i]
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
		// The sampled point is only a condition here; another point carries
		// the billing rule.
		return nil
	}

	now := e.now()
	key := c.row.ID.String() + "|" + rule.ID + "|" + s.EntityID
	unlock := e.locks.Lock(key)
	defer unlock()

	row, err := e.repo.GetQuotaState(ctx, c.row.ID, rule.ID, s.EntityID)
	if err != nil {
		// An unreadable accumulator reads as zero usage; the save below
		// rewrites the row, so a storage hiccup never stalls billing.
		slog.Warn("quota state unreadable, assuming zero usage",
			"instance_id", c.row.ID, "rule_id", rule.ID, "entity_id", s.EntityID, "error", err)
		row = nil
	}
	st := quota.State{}
	var rowID uuid.UUID
	if row != nil {
		st = quota.State{PeriodUsage: row.PeriodUsage, FreeUsed: row.FreeUsed, LastReset: row.LastReset}
		rowID = row.ID
	}

	res := quota.Apply(&st, *rule, fallback, usage, now)

	if err := e.repo.SaveQuotaState(ctx, &store.QuotaState{
		ID:          rowID,
		InstanceID:  c.row.ID,
		RuleID:      rule.ID,
		EntityID:    s.EntityID,
		PeriodUsage: st.PeriodUsage,
		FreeUsed:    st.FreeUsed,
		LastReset:   st.LastReset,
	}); err != nil {
		return err
	}

	if res.Charge > 0 {
		metrics.BillingChargesTotal.Inc()
		metrics.BillingChargedAmount.Add(res.Charge)
	}

	e.emit(PolicyEvent{
		Envelope:      Envelope{Schema: SchemaVersion, Type: "policy_event", TS: now.UnixMilli()},
		Event:         "billing",
		InstanceID:    c.row.ID.String(),
		InstanceName:  c.row.Name,
		ProjectID:     c.row.ProjectID,
		EntityID:      s.EntityID,
		RoomID:        s.RoomID,
		RuleID:        rule.ID,
		Usage:         usage,
		FreeUnits:     res.FreeUnits,
		PaidUnits:     res.PaidUnits,
		OverflowUnits: res.OverflowUnits,
		Charge:        res.Charge,
	})
	return nil
}

// RollQuotaPeriods resets accumulators whose reset boundary has passed since
// their last sample, so period usage reads as zero for entities that went
// silent instead of showing the previous period until they report again.
func (e *Engine) RollQuotaPeriods(ctx context.Context) error {
	e.mu.RLock()
	snapshot := make([]cachedInstance, len(e.instances))
	copy(snapshot, e.instances)
	e.mu.RUnlock()

	now := e.now()
	var firstErr error
	for _, c := range snapshot {
		if c.def.Kind != policy.KindBilling {
			continue
		}
		schedules := map[string]policy.ResetSchedule{}
		for _, r := range c.def.Rules {
			if r.BillingMode != "" {
				schedules[r.ID] = r.Reset
			}
		}
		if len(schedules) == 0 {
			continue
		}
		states, err := e.repo.ListQuotaStates(ctx, c.row.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, st := range states {
			rs, ok := schedules[st.RuleID]
			if !ok {
				continue
			}
			if b := quota.NextBoundary(rs, st.LastReset); b.IsZero() || b.After(now) {
				continue
			}
			key := c.row.ID.String() + "|" + st.RuleID + "|" + st.EntityID
			unlock := e.locks.Lock(key)
			// Re-read under the lock; a concurrent sample may have rolled
			// the period already.
			cur, err := e.repo.GetQuotaState(ctx, c.row.ID, st.RuleID, st.EntityID)
			if err == nil && cur != nil {
				if b := quota.NextBoundary(rs, cur.LastReset); !b.IsZero() && !b.After(now) {
					cur.PeriodUsage = 0
					cur.FreeUsed = 0
					cur.LastReset = quota.LatestBoundary(rs, now)
					err = e.repo.SaveQuotaState(ctx, cur)
				}
			}
			unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// applyControl enqueues the instance's actions as one dispatch unit and
// publishes a command per action. The unit is deduped on (instance, sample
// timestamp, entity) so broker redelivery cannot double-fire.
func (e *Engine) applyControl(ctx context.Context, c cachedInstance, s Sample) error {
	if len(c.def.Actions) == 0 {
		return nil
	}
	now := e.now()
	idemKey := fmt.Sprintf("%s|%d|%s", c.row.ID, s.TS, s.EntityID)

	if existing, err := e.repo.FindDispatchByKey(ctx, idemKey); err != nil {
		return err
	} else if existing != nil {
		return nil
	}

	dispatchID := uuid.New()
	cmds := make([]Command, 0, len(c.def.Actions))
	for _, a := range c.def.Actions {
		cmds = append(cmds, Command{
			Envelope:   Envelope{Schema: SchemaVersion, Type: "command", TS: now.UnixMilli()},
			EntityID:   s.EntityID,
			ModelID:    a.ModelID,
			Identifier: a.Identifier,
			Value:      a.Value,
			Corr:       dispatchID.String(),
		})
	}
	body, err := json.Marshal(cmds)
	if err != nil {
		return err
	}

	d := &store.PendingDispatch{
		ID:             dispatchID,
		InstanceID:     c.row.ID,
		IdempotencyKey: idemKey,
		Commands:       body,
		ExpectedAcks:   len(cmds),
		Attempts:       1,
		MaxAttempts:    e.maxAttempts,
		NextAttemptAt:  now.Add(e.retryBackoff),
	}
	if err := e.repo.CreatePendingDispatch(ctx, d); err != nil {
		return err
	}

	if err := e.publishCommands(cmds); err != nil {
		// The unit stays pending; the retry pass republishes it.
		slog.Warn("command publish failed", "dispatch_id", dispatchID, "error", err)
	}
	metrics.DispatchesTotal.WithLabelValues("created").Inc()

	e.emit(PolicyEvent{
		Envelope:     Envelope{Schema: SchemaVersion, Type: "policy_event", TS: now.UnixMilli()},
		Event:        "control_dispatched",
		InstanceID:   c.row.ID.String(),
		InstanceName: c.row.Name,
		ProjectID:    c.row.ProjectID,
		EntityID:     s.EntityID,
		RoomID:       s.RoomID,
		DispatchID:   dispatchID.String(),
		Commands:     len(cmds),
	})
	return nil
}

func (e *Engine) publishCommands(cmds []Command) error {
	for _, cmd := range cmds {
		b, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		if err := e.pub.Publish(topicCommandPrefix+cmd.EntityID, b); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyAlarm(c cachedInstance, s Sample, f schema.Feature) error {
	now := e.now()
	metrics.AlarmsTotal.WithLabelValues(c.def.AlarmType, c.def.AlarmLevel).Inc()
	e.emit(PolicyEvent{
		Envelope:     Envelope{Schema: SchemaVersion, Type: "policy_event", TS: now.UnixMilli()},
		Event:        "alarm",
		InstanceID:   c.row.ID.String(),
		InstanceName: c.row.Name,
		ProjectID:    c.row.ProjectID,
		EntityID:     s.EntityID,
		RoomID:       s.RoomID,
		AlarmType:    c.def.AlarmType,
		AlarmLevel:   c.def.AlarmLevel,
		Message:      fmt.Sprintf("%s reported %v on %s", f.Name, s.Value, s.EntityID),
	})
	return nil
}

// HandleCommandResultMessage consumes an adapter's command acknowledgement.
func (e *Engine) HandleCommandResultMessage(ctx context.Context, payload []byte) {
	res, err := decodeJSON[CommandResult](payload)
	if err != nil {
		return
	}
	if res.Schema != SchemaVersion || res.Type != "command_result" {
		return
	}
	if err := e.HandleCommandResult(ctx, res); err != nil {
		slog.Warn("command result processing failed", "corr", res.Corr, "error", err)
	}
}

func (e *Engine) HandleCommandResult(ctx context.Context, res CommandResult) error {
	corr := strings.TrimSpace(res.Corr)
	id, err := uuid.Parse(corr)
	if err != nil {
		return nil
	}
	if !res.Success {
		d, err := e.repo.GetPendingDispatch(ctx, id)
		if err != nil || d == nil || d.Status != "pending" {
			return err
		}
		d.LastError = res.Error
		return e.repo.UpdatePendingDispatch(ctx, d)
	}
	d, err := e.repo.RecordDispatchAck(ctx, id)
	if err != nil || d == nil {
		return err
	}
	if d.Status == "acked" {
		metrics.DispatchesTotal.WithLabelValues("acked").Inc()
	}
	return nil
}

func (e *Engine) emit(ev PolicyEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.pub.Publish(topicEventPrefix+ev.Event, b); err != nil {
		slog.Warn("event publish failed", "event", ev.Event, "error", err)
	}
	if e.hub != nil {
		e.hub.Broadcast(realtime.Event{Type: ev.Event, Instance: ev.InstanceID, Entity: ev.EntityID, Data: ev})
	}
}
