package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/normalize"
	"github.com/goliatone/go-curd/recipe"
)

// LogResult is the batch after a write and the entry that was appended.
type LogResult struct {
	Batch *batch.Batch
	Entry batch.MeasurementEntry
}

// LogValue records a decimal reading for the current stage.
func (e *Engine) LogValue(ctx context.Context, id, key string, value float64) (*LogResult, error) {
	return e.record(ctx, id, key, batch.NumberValue(value))
}

// LogTimeValue records a "HH:MM" clock time for the current stage.
func (e *Engine) LogTimeValue(ctx context.Context, id, key, hhmm string) (*LogResult, error) {
	v, ok := batch.TimeValue(strings.TrimSpace(hhmm))
	if !ok {
		return nil, invalidValue(id, key, hhmm, "HH:MM")
	}
	return e.record(ctx, id, key, v)
}

// LogDateValue records a "YYYY-MM-DD" date for the current stage. On a
// stage flagged as the maturation date it also sets the maturation
// horizon.
func (e *Engine) LogDateValue(ctx context.Context, id, key, ymd string) (*LogResult, error) {
	v, ok := batch.DateValue(strings.TrimSpace(ymd))
	if !ok {
		return nil, invalidValue(id, key, ymd, "YYYY-MM-DD")
	}
	return e.record(ctx, id, key, v)
}

func (e *Engine) record(ctx context.Context, id, key string, v batch.Value) (*LogResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, curd.NewError(curd.ErrMissingFields, "measurement key is required", map[string]any{
			"missing_fields": []string{"key"},
		})
	}

	unlock := e.lockBatch(id)
	defer unlock()

	b, def, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Closed() {
		return nil, invalidTransition(b, "log a value on")
	}
	st, ok := def.Stage(b.CurrentStageID)
	if !ok {
		return nil, curd.NewError(curd.ErrInvalidStage, "", map[string]any{
			"batch_id": b.ID,
			"stage_id": b.CurrentStageID,
		})
	}

	now := e.now()
	entry := batch.MeasurementEntry{
		Key:       st.StoredKey(key),
		Value:     v,
		StageID:   st.ID,
		Timestamp: now,
	}
	p := &batch.Patch{}
	p.Record(entry)
	if st.MaturationDate && v.Kind() == batch.KindDate {
		p.Maturation = maturation(v)
	}

	updated, err := e.commit(ctx, b, p, st.ID, LogActionLogValue, map[string]any{
		"key":   entry.Key,
		"value": v.Raw(),
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx, b.ID).Debug("logged %s=%s at stage %d", entry.Key, v, st.ID)
	return &LogResult{Batch: updated, Entry: entry}, nil
}

func maturation(entryDate batch.Value) *batch.Maturation {
	ymd, _ := entryDate.Text()
	start, ok := normalize.ParseDate(ymd)
	if !ok {
		return nil
	}
	return &batch.Maturation{
		Chamber2EntryDate: ymd,
		MaturationEndDate: start.Add(batch.MaturationPeriod).Format("2006-01-02"),
		LifecycleTag:      batch.LifecycleMaturing,
	}
}

// CorrectValue appends an entry superseding the latest reading of key.
// The original entry stays in the log; the correction is attributed to
// the stage the original was taken at.
func (e *Engine) CorrectValue(ctx context.Context, id, key string, v batch.Value, reason string) (*LogResult, error) {
	key = strings.TrimSpace(key)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, curd.NewError(curd.ErrMissingReason, "a correction reason is required", map[string]any{
			"batch_id": id,
			"key":      key,
		})
	}
	if v.IsZero() {
		return nil, invalidValue(id, key, "", "a value")
	}

	unlock := e.lockBatch(id)
	defer unlock()

	b, def, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Closed() {
		return nil, invalidTransition(b, "correct a value on")
	}
	original, ok := latestEntry(b, def, key)
	if !ok {
		return nil, curd.NewError(curd.ErrValidationFailed,
			fmt.Sprintf("no %s reading to correct", key),
			map[string]any{"batch_id": b.ID, "key": key})
	}

	entry := batch.MeasurementEntry{
		Key:        original.Key,
		Value:      v,
		StageID:    original.StageID,
		Timestamp:  e.now(),
		Supersedes: true,
		Reason:     reason,
	}
	p := &batch.Patch{}
	p.Record(entry)
	if st, ok := def.Stage(original.StageID); ok && st.MaturationDate && v.Kind() == batch.KindDate {
		p.Maturation = maturation(v)
	}

	updated, err := e.commit(ctx, b, p, original.StageID, LogActionCorrect, map[string]any{
		"key":      entry.Key,
		"previous": original.Value.Raw(),
		"value":    v.Raw(),
		"reason":   reason,
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx, b.ID).Info("corrected %s: %s -> %s (%s)", entry.Key, original.Value, v, reason)
	return &LogResult{Batch: updated, Entry: entry}, nil
}

// latestEntry finds the newest log entry for key, trying the key as
// stored and then its alias at the current stage.
func latestEntry(b *batch.Batch, def *recipe.Definition, key string) (batch.MeasurementEntry, bool) {
	candidates := []string{key}
	if st, ok := def.Stage(b.CurrentStageID); ok {
		if alias := st.StoredKey(key); alias != key {
			candidates = append([]string{alias}, candidates...)
		}
	}
	for _, candidate := range candidates {
		for i := len(b.MeasurementLog) - 1; i >= 0; i-- {
			if b.MeasurementLog[i].Key == candidate {
				return b.MeasurementLog[i], true
			}
		}
	}
	return batch.MeasurementEntry{}, false
}

// RecordLoopIteration counts one pass of the current loop stage.
func (e *Engine) RecordLoopIteration(ctx context.Context, id string) (*batch.Batch, error) {
	unlock := e.lockBatch(id)
	defer unlock()

	b, def, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != batch.StatusActive {
		return nil, invalidTransition(b, "record a loop iteration on")
	}
	st, ok := def.Stage(b.CurrentStageID)
	if !ok || !st.IsLoop() {
		return nil, notLoopStage(b)
	}

	p := &batch.Patch{}
	p.SetLoopIterations(b.LoopIterations + 1)
	return e.commit(ctx, b, p, st.ID, LogActionIteration, map[string]any{"iterations": b.LoopIterations + 1})
}

func notLoopStage(b *batch.Batch) error {
	return curd.NewError(curd.ErrInvalidStatusTransition, "current stage is not a loop stage", map[string]any{
		"batch_id": b.ID,
		"stage_id": b.CurrentStageID,
	})
}

func invalidValue(id, key, raw, want string) error {
	return curd.NewError(curd.ErrMissingFields,
		fmt.Sprintf("%s: %q is not %s", key, raw, want),
		map[string]any{
			"batch_id":       id,
			"missing_fields": []string{key},
		})
}
