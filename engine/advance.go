package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/alerts"
	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/recipe"
)

// Advance outcomes reported to metrics besides the error codes.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeCompleted = "completed"
)

// AdvanceRequest names the batch and, optionally, the capability used to
// manage its platform alerts.
type AdvanceRequest struct {
	BatchID string
	Alerts  *alerts.Capability
}

// AdvanceResult describes a successful advance.
type AdvanceResult struct {
	Batch     *batch.Batch
	FromStage int
	ToStage   int
	Completed bool
	// LoopExit is set when a loop stage was left: value_reached or time_limit.
	LoopExit string

	AlertScheduled        bool
	AlertPermissionNeeded bool
	AlertID               string
}

// Advance moves the batch from its current stage to the next one, or
// completes it from the terminal stage. Gates are checked in order and the
// first failing one is returned; a failed advance never writes.
func (e *Engine) Advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	started := time.Now()
	res, err := e.advance(ctx, req)
	outcome := OutcomeAdvanced
	switch {
	case err != nil:
		outcome = strings.ToLower(curd.Code(err))
		if outcome == "" {
			outcome = "error"
		}
	case res.Completed:
		outcome = OutcomeCompleted
	}
	e.metrics.ObserveAdvance(outcome, time.Since(started))
	return res, err
}

func (e *Engine) advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	unlock := e.lockBatch(req.BatchID)
	defer unlock()

	b, def, err := e.load(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if b.Status != batch.StatusActive {
		return nil, invalidTransition(b, "advance")
	}
	st, ok := def.Stage(b.CurrentStageID)
	if !ok {
		return nil, curd.NewError(curd.ErrInvalidStage, "", map[string]any{
			"batch_id": b.ID,
			"stage_id": b.CurrentStageID,
		})
	}

	now := e.now()
	p := &batch.Patch{}
	res := &AdvanceResult{FromStage: st.ID}

	if st.IsLoop() {
		reason, err := loopExit(b, st, now)
		if err != nil {
			return nil, err
		}
		res.LoopExit = reason
		p.Append(batch.HistoryEntry{
			StageID:   st.ID,
			Action:    batch.ActionLoopExit,
			Timestamp: now,
			Details: map[string]any{
				"reason":     reason,
				"iterations": b.LoopIterations,
			},
		})
	}

	if missing := missingInputs(b, st); len(missing) > 0 {
		return nil, curd.NewError(curd.ErrValidationFailed,
			fmt.Sprintf("stage %s is missing: %s", st.Name, strings.Join(missing, ", ")),
			map[string]any{
				"batch_id":     b.ID,
				"stage_id":     st.ID,
				"missing_keys": missing,
			})
	}

	if err := blockingTimerElapsed(b, st, now); err != nil {
		return nil, err
	}

	p.Append(batch.HistoryEntry{StageID: st.ID, Action: batch.ActionComplete, Timestamp: now})
	p.RemoveTimersForStages = []int{st.ID}
	p.RemoveRemindersForStages = []int{st.ID}

	details := map[string]any{"from_stage": st.ID}
	if res.LoopExit != "" {
		details["loop_exit"] = res.LoopExit
	}

	var sync alertSync
	next, hasNext := def.NextStage(st.ID)
	if !hasNext {
		lc := batch.LifecycleOf(b)
		lc.CompletedAt = timePtr(now)
		p.Lifecycle = &lc
		p.SetStatus(batch.StatusCompleted)
		p.SetStage(def.LastStageID() + 1)
		res.Completed = true
		details["completed"] = true
		sync = e.cancelAlerts(ctx, req.Alerts, details)
	} else {
		p.SetStage(next.ID)
		e.enterStage(p, next, now)
		details["to_stage"] = next.ID
		sync = func(committed *batch.Batch, ap *batch.Patch) {
			e.alerts.Cancel(ctx, req.Alerts, committed, batch.StageKey(st.ID), ap)
			outcome := e.alerts.ScheduleWait(ctx, req.Alerts, committed, next.ID, waitSpec(next), ap)
			res.AlertPermissionNeeded = outcome.PermissionNeeded
			res.AlertID = outcome.ExternalID
		}
	}

	updated, err := e.commitWithAlerts(ctx, b, p, st.ID, LogActionAdvance, details, req.Alerts, sync)
	if err != nil {
		return nil, err
	}
	res.Batch = updated
	res.ToStage = updated.CurrentStageID
	if res.AlertID != "" {
		// Reported only once the tracking entry is stored.
		res.AlertScheduled = updated.ScheduledAlerts[batch.StageKey(next.ID)].ExternalID == res.AlertID
		if !res.AlertScheduled {
			res.AlertID = ""
		}
	}

	e.transitionLog(ctx, b, updated).Info("batch advanced from stage %d (%s)", st.ID, st.Name)
	return res, nil
}

// loopExit decides whether a loop stage may be left: first by its value
// predicate, then by its maximum duration.
func loopExit(b *batch.Batch, st recipe.Stage, now time.Time) (string, error) {
	details := map[string]any{
		"batch_id": b.ID,
		"stage_id": st.ID,
	}
	current := "not yet measured"
	if pred := st.LoopCondition; pred != nil {
		key := st.StoredKey(pred.Key)
		details["condition"] = pred.String()
		if v, ok := b.Latest(key); ok {
			if n, isNumber := v.Number(); isNumber {
				if pred.Evaluate(n) {
					return batch.ExitValueReached, nil
				}
				details["current_value"] = n
				current = v.String()
			}
		}
	}
	if _, measured := details["current_value"]; !measured {
		details["current_value"] = current
	}

	if startedAt, ok := b.StageStartedAt(st.ID); ok && st.MaxLoopDuration > 0 {
		elapsed := now.Sub(startedAt)
		if elapsed >= st.MaxLoopDuration {
			return batch.ExitTimeLimit, nil
		}
		details["remaining_minutes"] = int((st.MaxLoopDuration - elapsed + time.Minute - 1) / time.Minute)
	}

	msg := fmt.Sprintf("loop exit condition not met, current value: %s", current)
	return "", curd.NewError(curd.ErrLoopConditionNotMet, msg, details)
}

// missingInputs lists the required canonical keys with no stored value.
func missingInputs(b *batch.Batch, st recipe.Stage) []string {
	var missing []string
	for _, key := range st.RequiredInputs {
		if _, ok := b.Latest(st.StoredKey(key)); !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func blockingTimerElapsed(b *batch.Batch, st recipe.Stage, now time.Time) error {
	if st.Timer == nil || !st.Timer.Blocking {
		return nil
	}
	t, ok := b.BlockingTimer(st.ID)
	if !ok {
		return curd.NewError(curd.ErrBlockingTimerMissing, "", map[string]any{
			"batch_id": b.ID,
			"stage_id": st.ID,
		})
	}
	state := batch.EvaluateTimer(t, now)
	if state.Complete {
		return nil
	}
	minutes := state.RemainingMinutes()
	return curd.NewError(curd.ErrTimerNotElapsed,
		fmt.Sprintf("%s: %d minutes remaining", timerLabel(t, st), minutes),
		map[string]any{
			"batch_id":          b.ID,
			"stage_id":          st.ID,
			"timer_id":          t.ID,
			"remaining_minutes": minutes,
			"remaining_seconds": state.RemainingSeconds,
		})
}

func timerLabel(t batch.Timer, st recipe.Stage) string {
	if t.Description != "" {
		return t.Description
	}
	return st.Name
}
