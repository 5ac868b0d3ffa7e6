package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/recipe"
)

// AcknowledgeReminder closes the current cycle of a reminder. Interval
// reminders renew themselves. On a loop stage the acknowledgement also
// counts as one loop iteration.
func (e *Engine) AcknowledgeReminder(ctx context.Context, id, reminderID string) (*batch.Batch, error) {
	reminderID = strings.TrimSpace(reminderID)

	unlock := e.lockBatch(id)
	defer unlock()

	b, def, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Closed() {
		return nil, invalidTransition(b, "acknowledge a reminder on")
	}
	r, ok := b.Reminder(reminderID)
	if !ok {
		return nil, curd.NewError(curd.ErrValidationFailed, "reminder not found", map[string]any{
			"batch_id":    b.ID,
			"reminder_id": reminderID,
		})
	}

	now := e.now()
	acked := batch.Acknowledge(r, now)
	p := &batch.Patch{UpdateReminders: []batch.Reminder{acked}}
	details := map[string]any{
		"reminder_id":  r.ID,
		"next_trigger": acked.NextTrigger,
	}
	if st, ok := def.Stage(b.CurrentStageID); ok && st.IsLoop() && r.StageID == st.ID {
		p.SetLoopIterations(b.LoopIterations + 1)
		details["iterations"] = b.LoopIterations + 1
	}
	return e.commit(ctx, b, p, r.StageID, LogActionAcknowledge, details)
}

// Snapshot is the read model of a batch at one instant: what the operator
// should do now and what is still pending.
type Snapshot struct {
	BatchID           string             `json:"batch_id"`
	RecipeID          string             `json:"recipe_id"`
	Status            batch.Status       `json:"status"`
	StageID           int                `json:"stage_id"`
	StageName         string             `json:"stage_name,omitempty"`
	StageKind         recipe.Kind        `json:"stage_kind,omitempty"`
	TotalStages       int                `json:"total_stages"`
	Instructions      []string           `json:"instructions,omitempty"`
	RequiredInputs    []string           `json:"required_inputs,omitempty"`
	MissingInputs     []string           `json:"missing_inputs,omitempty"`
	AllowedUtterances []string           `json:"allowed_utterances,omitempty"`
	Doses             map[string]float64 `json:"doses,omitempty"`
	Timers            []batch.TimerState `json:"timers,omitempty"`
	DueReminders      []batch.Reminder   `json:"due_reminders,omitempty"`
	LoopIterations    int                `json:"turning_cycles_count"`
	LoopCondition     string             `json:"loop_condition,omitempty"`
	LifecycleTag      string             `json:"lifecycle_tag,omitempty"`
	MaturationEndDate string             `json:"maturation_end_date,omitempty"`
}

// Status evaluates timers and reminders lazily at the engine clock.
func (e *Engine) Status(ctx context.Context, id string) (*Snapshot, error) {
	b, def, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.now()
	snap := &Snapshot{
		BatchID:           b.ID,
		RecipeID:          b.RecipeID,
		Status:            b.Status,
		StageID:           b.CurrentStageID,
		TotalStages:       len(def.Stages),
		Doses:             b.CalculatedInputs,
		Timers:            batch.EvaluateTimers(b.ActiveTimers, now),
		DueReminders:      batch.DueReminders(b.ActiveReminders, now),
		LoopIterations:    b.LoopIterations,
		LifecycleTag:      b.LifecycleTag,
		MaturationEndDate: b.MaturationEndDate,
	}
	if st, ok := def.Stage(b.CurrentStageID); ok {
		snap.StageName = st.Name
		snap.StageKind = st.Kind
		snap.Instructions = slices.Clone(st.Instructions)
		snap.RequiredInputs = slices.Clone(st.RequiredInputs)
		snap.MissingInputs = missingInputs(b, st)
		snap.AllowedUtterances = slices.Clone(st.AllowedUtterances)
		if st.LoopCondition != nil {
			snap.LoopCondition = st.LoopCondition.String()
		}
	}
	return snap, nil
}
