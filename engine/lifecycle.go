package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/alerts"
	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/normalize"
	"github.com/goliatone/go-curd/recipe"
)

// StartRequest carries the intake readings. Nil readings, and readings
// that fail normalization, are reported as missing.
type StartRequest struct {
	RecipeID    string
	Volume      *float64
	Temperature *float64
	PH          *float64
	Alerts      *alerts.Capability
}

// StartResult is the new batch and the alert outcome of its first stage.
type StartResult struct {
	Batch *batch.Batch
	Alert alerts.Outcome
}

// Start creates a batch, skips the auto-completed preparatory stages and
// enters the first working stage.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	volume, temperature, ph, err := intakeReadings(req)
	if err != nil {
		e.metrics.CountLifecycle("start_rejected")
		return nil, err
	}
	def, err := e.catalog.Lookup(req.RecipeID)
	if err != nil {
		e.metrics.CountLifecycle("start_rejected")
		return nil, err
	}
	first, ok := def.FirstWorkingStage()
	if !ok {
		return nil, curd.NewError(curd.ErrInvalidStage, "recipe has no working stage", map[string]any{
			"recipe_id": def.ID,
		})
	}

	now := e.now()
	b := &batch.Batch{
		ID:               uuid.NewString(),
		RecipeID:         def.ID,
		Status:           batch.StatusActive,
		Volume:           volume,
		CalculatedInputs: def.CalculateInputs(volume),
		CreatedAt:        now,
	}

	p := &batch.Patch{}
	intake := def.Stages[0]
	for _, reading := range []struct {
		key   string
		value float64
	}{
		{"volume", volume},
		{"temperature", temperature},
		{"ph", ph},
	} {
		p.Record(batch.MeasurementEntry{
			Key:       intake.StoredKey(reading.key),
			Value:     batch.NumberValue(reading.value),
			StageID:   intake.ID,
			Timestamp: now,
		})
	}
	for _, st := range def.AutoCompleteStages() {
		p.Append(batch.HistoryEntry{StageID: st.ID, Action: batch.ActionAutoComplete, Timestamp: now})
	}
	p.SetStage(first.ID)
	e.enterStage(p, first, now)

	p.Apply(b, now)

	created, err := e.repo.CreateBatch(ctx, b)
	if err != nil {
		return nil, err
	}
	var outcome alerts.Outcome
	if e.alerts != nil {
		ap := &batch.Patch{}
		outcome = e.alerts.ScheduleWait(ctx, req.Alerts, created, first.ID, waitSpec(first), ap)
		created = e.saveAlerts(ctx, req.Alerts, created, ap)
		if outcome.Scheduled && created.ScheduledAlerts[batch.StageKey(first.ID)].ExternalID != outcome.ExternalID {
			outcome = alerts.Outcome{}
		}
	}
	e.appendLog(ctx, created.ID, first.ID, LogActionStart, map[string]any{
		"recipe_id":   def.ID,
		"volume":      volume,
		"temperature": temperature,
		"ph":          ph,
	})
	e.metrics.CountLifecycle(LogActionStart)
	e.log(ctx, created.ID).Info("batch started on %s at stage %d (%s)", def.ID, first.ID, first.Name)
	return &StartResult{Batch: created, Alert: outcome}, nil
}

func intakeReadings(req StartRequest) (volume, temperature, ph float64, err error) {
	var missing []string
	var ok bool
	if req.Volume == nil {
		missing = append(missing, "volume")
	} else if volume, ok = normalize.VolumeFromFloat(*req.Volume); !ok {
		missing = append(missing, "volume")
	}
	if req.Temperature == nil {
		missing = append(missing, "temperature")
	} else if temperature, ok = normalize.TemperatureFromFloat(*req.Temperature); !ok {
		missing = append(missing, "temperature")
	}
	if req.PH == nil {
		missing = append(missing, "ph")
	} else if ph, ok = normalize.PHFromFloat(*req.PH); !ok {
		missing = append(missing, "ph")
	}
	if len(missing) > 0 {
		return 0, 0, 0, curd.NewError(curd.ErrMissingFields,
			"missing or invalid intake readings: "+strings.Join(missing, ", "),
			map[string]any{"missing_fields": missing})
	}
	return volume, temperature, ph, nil
}

// Pause suspends an active batch.
func (e *Engine) Pause(ctx context.Context, id, reason string) (*batch.Batch, error) {
	unlock := e.lockBatch(id)
	defer unlock()

	b, _, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != batch.StatusActive {
		return nil, invalidTransition(b, "pause")
	}
	now := e.now()
	lc := batch.LifecycleOf(b)
	lc.PausedAt = timePtr(now)
	lc.PauseReason = strings.TrimSpace(reason)

	p := &batch.Patch{Lifecycle: &lc}
	p.SetStatus(batch.StatusPaused)
	return e.lifecycleCommit(ctx, b, p, LogActionPause, map[string]any{"reason": lc.PauseReason}, nil, nil)
}

// Resume reactivates a paused batch.
func (e *Engine) Resume(ctx context.Context, id string) (*batch.Batch, error) {
	unlock := e.lockBatch(id)
	defer unlock()

	b, _, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != batch.StatusPaused {
		return nil, invalidTransition(b, "resume")
	}
	lc := batch.LifecycleOf(b)
	lc.PausedAt = nil
	lc.PauseReason = ""

	p := &batch.Patch{Lifecycle: &lc}
	p.SetStatus(batch.StatusActive)
	return e.lifecycleCommit(ctx, b, p, LogActionResume, nil, nil, nil)
}

// Complete closes a batch regardless of its stage. Tracked alerts are
// cancelled when grant allows it.
func (e *Engine) Complete(ctx context.Context, id string, grant *alerts.Capability) (*batch.Batch, error) {
	unlock := e.lockBatch(id)
	defer unlock()

	b, _, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Closed() {
		return nil, invalidTransition(b, "complete")
	}
	lc := batch.LifecycleOf(b)
	lc.CompletedAt = timePtr(e.now())

	p := &batch.Patch{Lifecycle: &lc}
	p.SetStatus(batch.StatusCompleted)
	details := map[string]any{}
	return e.lifecycleCommit(ctx, b, p, LogActionComplete, details, grant, e.cancelAlerts(ctx, grant, details))
}

// Cancel abandons a batch. A reason is mandatory.
func (e *Engine) Cancel(ctx context.Context, id, reason string, grant *alerts.Capability) (*batch.Batch, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, curd.NewError(curd.ErrMissingReason, "a cancellation reason is required", map[string]any{
			"batch_id": id,
		})
	}

	unlock := e.lockBatch(id)
	defer unlock()

	b, _, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Closed() {
		return nil, invalidTransition(b, "cancel")
	}
	lc := batch.LifecycleOf(b)
	lc.CancelledAt = timePtr(e.now())
	lc.CancelReason = reason

	p := &batch.Patch{Lifecycle: &lc}
	p.SetStatus(batch.StatusCancelled)
	details := map[string]any{"reason": reason}
	return e.lifecycleCommit(ctx, b, p, LogActionCancel, details, grant, e.cancelAlerts(ctx, grant, details))
}

func (e *Engine) lifecycleCommit(ctx context.Context, b *batch.Batch, p *batch.Patch, action string, details map[string]any, grant *alerts.Capability, sync alertSync) (*batch.Batch, error) {
	updated, err := e.commitWithAlerts(ctx, b, p, b.CurrentStageID, action, details, grant, sync)
	if err != nil {
		return nil, err
	}
	e.metrics.CountLifecycle(action)
	e.transitionLog(ctx, b, updated).Info("batch %s: %s -> %s", action, b.Status, updated.Status)
	return updated, nil
}

// cancelAlerts cancels every tracked alert of a closed batch and records
// the count in details.
func (e *Engine) cancelAlerts(ctx context.Context, grant *alerts.Capability, details map[string]any) alertSync {
	details["alerts_cancelled"] = 0
	return func(committed *batch.Batch, ap *batch.Patch) {
		details["alerts_cancelled"] = e.alerts.CancelAll(ctx, grant, committed, ap)
	}
}

// enterStage starts the timer and reminder the stage declares and records
// its start entry.
func (e *Engine) enterStage(p *batch.Patch, st recipe.Stage, now time.Time) {
	if st.Timer != nil && st.Timer.Duration > 0 {
		p.AddTimers = append(p.AddTimers, batch.Timer{
			ID:          uuid.NewString(),
			StageID:     st.ID,
			StartTime:   now,
			EndTime:     now.Add(st.Timer.Duration),
			Blocking:    st.Timer.Blocking,
			Description: st.Timer.Description,
		})
	}
	if interval := st.ReminderInterval(); interval > 0 {
		r := batch.Reminder{
			ID:          uuid.NewString(),
			StageID:     st.ID,
			Kind:        "check",
			Interval:    interval,
			NextTrigger: now.Add(interval),
		}
		if st.Reminder != nil {
			r.Kind = st.Reminder.Kind
			r.Description = st.Reminder.Description
		} else if st.Timer != nil {
			r.Description = st.Timer.Description
		}
		p.AddReminders = append(p.AddReminders, r)
	}
	p.Append(batch.HistoryEntry{StageID: st.ID, Action: batch.ActionStart, Timestamp: now})
}

// waitSpec is the platform alert a stage warrants: its timer, or the
// loop timeout for loop stages.
func waitSpec(st recipe.Stage) alerts.WaitSpec {
	switch {
	case st.Timer != nil && st.Timer.Duration > 0:
		msg := st.Timer.Description
		if msg == "" {
			msg = st.Name
		}
		return alerts.WaitSpec{Duration: st.Timer.Duration, Kind: alerts.KindTimer, Message: msg}
	case st.IsLoop() && st.MaxLoopDuration > 0:
		return alerts.WaitSpec{Duration: st.MaxLoopDuration, Kind: alerts.KindLoopTimeout, Message: st.Name}
	default:
		return alerts.WaitSpec{}
	}
}
