package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"policy-engine/internal/metrics"
	"policy-engine/internal/store"
)

// RetryDueDispatches republishes every pending dispatch unit whose retry
// time has arrived. A unit that exhausts its attempts without collecting all
// acknowledgements is marked failed and a dispatch_failed event is emitted.
func (e *Engine) RetryDueDispatches(ctx context.Context) error {
	now := e.now()
	due, err := e.repo.ListDueDispatches(ctx, now, 100)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range due {
		if err := e.retryDispatch(ctx, &due[i], now); err != nil {
			slog.Warn("dispatch retry failed", "dispatch_id", due[i].ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) retryDispatch(ctx context.Context, d *store.PendingDispatch, now time.Time) error {
	if d.Attempts >= d.MaxAttempts {
		d.Status = "failed"
		if d.LastError == "" {
			d.LastError = fmt.Sprintf("no full acknowledgement after %d attempts", d.Attempts)
		}
		if err := e.repo.UpdatePendingDispatch(ctx, d); err != nil {
			return err
		}
		metrics.DispatchesTotal.WithLabelValues("failed").Inc()
		e.emit(PolicyEvent{
			Envelope:   Envelope{Schema: SchemaVersion, Type: "policy_event", TS: now.UnixMilli()},
			Event:      "dispatch_failed",
			InstanceID: d.InstanceID.String(),
			DispatchID: d.ID.String(),
			Commands:   d.ExpectedAcks,
			Attempts:   d.Attempts,
			Message:    d.LastError,
		})
		return nil
	}

	var cmds []Command
	if err := json.Unmarshal(d.Commands, &cmds); err != nil {
		return fmt.Errorf("decode dispatch commands: %w", err)
	}

	d.Attempts++
	d.NextAttemptAt = now.Add(e.backoffAfter(d.Attempts))
	if err := e.repo.UpdatePendingDispatch(ctx, d); err != nil {
		return err
	}

	// The whole unit is republished, acknowledged commands included.
	// Adapters treat command writes as idempotent asserts of a target value.
	if err := e.publishCommands(cmds); err != nil {
		return err
	}
	metrics.DispatchesTotal.WithLabelValues("retried").Inc()
	return nil
}

// backoffAfter doubles the delay per attempt, capped at five minutes.
func (e *Engine) backoffAfter(attempts int) time.Duration {
	d := e.retryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}
