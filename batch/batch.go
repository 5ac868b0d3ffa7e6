// Package batch holds the mutable production-run record and the pure
// functions that evaluate its timers and reminders.
package batch

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a batch, orthogonal to its stage.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Closed reports whether the batch no longer accepts advances or writes.
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// History actions.
const (
	ActionStart        = "start"
	ActionComplete     = "complete"
	ActionAutoComplete = "auto_complete"
	ActionLoopExit     = "loop_exit"
)

// Loop exit reasons recorded on ActionLoopExit entries.
const (
	ExitValueReached = "value_reached"
	ExitTimeLimit    = "time_limit"
)

// LifecycleMaturing tags a batch whose chamber entry date was logged.
const LifecycleMaturing = "maturing"

// MaturationPeriod is added to the chamber entry date.
const MaturationPeriod = 90 * 24 * time.Hour

// Batch is one production run.
type Batch struct {
	ID             string  `json:"id"`
	RecipeID       string  `json:"recipe_id"`
	CurrentStageID int     `json:"current_stage_id"`
	Status         Status  `json:"status"`
	Version        int     `json:"version"`
	Volume         float64 `json:"volume"`

	Measurements     map[string]Value   `json:"measurements"`
	MeasurementLog   []MeasurementEntry `json:"measurement_log"`
	CalculatedInputs map[string]float64 `json:"calculated_inputs"`

	ActiveTimers    []Timer                   `json:"active_timers"`
	ActiveReminders []Reminder                `json:"active_reminders"`
	ScheduledAlerts map[string]ScheduledAlert `json:"scheduled_alerts"`
	LoopIterations  int                       `json:"turning_cycles_count"`
	History         []HistoryEntry            `json:"history"`

	PausedAt          *time.Time `json:"paused_at,omitempty"`
	PauseReason       string     `json:"pause_reason,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Chamber2EntryDate string     `json:"chamber2_entry_date,omitempty"`
	MaturationEndDate string     `json:"maturation_end_date,omitempty"`
	LifecycleTag      string     `json:"lifecycle_tag,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MeasurementEntry is one append-only audit record of a logged value.
type MeasurementEntry struct {
	Key        string    `json:"key"`
	Value      Value     `json:"value"`
	StageID    int       `json:"stage_id"`
	Timestamp  time.Time `json:"timestamp"`
	Supersedes bool      `json:"supersedes,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// HistoryEntry is one append-only stage transition record.
type HistoryEntry struct {
	StageID   int            `json:"stage_id"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ScheduledAlert is the external alert tracked for one stage key.
type ScheduledAlert struct {
	ExternalID string    `json:"external_id"`
	StageID    int       `json:"stage_id"`
	DueAt      time.Time `json:"due_at"`
	Kind       string    `json:"kind"`
}

// LogEntry is one record of the batch action log.
type LogEntry struct {
	ID        string         `json:"id"`
	BatchID   string         `json:"batch_id"`
	StageID   int            `json:"stage_id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StageKey is the ScheduledAlerts key for a stage.
func StageKey(stageID int) string {
	return fmt.Sprintf("stage_%d", stageID)
}

// Latest returns the cached latest value for key.
func (b *Batch) Latest(key string) (Value, bool) {
	if b == nil {
		return Value{}, false
	}
	v, ok := b.Measurements[key]
	return v, ok
}

// StageStartedAt returns the timestamp of the most recent start entry for
// stageID.
func (b *Batch) StageStartedAt(stageID int) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	for i := len(b.History) - 1; i >= 0; i-- {
		h := b.History[i]
		if h.StageID == stageID && h.Action == ActionStart {
			return h.Timestamp, true
		}
	}
	return time.Time{}, false
}

// TimersForStage returns the active timers tagged with stageID.
func (b *Batch) TimersForStage(stageID int) []Timer {
	var out []Timer
	for _, t := range b.ActiveTimers {
		if t.StageID == stageID {
			out = append(out, t)
		}
	}
	return out
}

// BlockingTimer returns the live blocking timer of stageID.
func (b *Batch) BlockingTimer(stageID int) (Timer, bool) {
	for _, t := range b.ActiveTimers {
		if t.StageID == stageID && t.Blocking {
			return t, true
		}
	}
	return Timer{}, false
}

// Reminder finds an active reminder by id.
func (b *Batch) Reminder(id string) (Reminder, bool) {
	for _, r := range b.ActiveReminders {
		if r.ID == id {
			return r, true
		}
	}
	return Reminder{}, false
}

// Clone returns a deep copy.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.Measurements = maps.Clone(b.Measurements)
	out.MeasurementLog = slices.Clone(b.MeasurementLog)
	out.CalculatedInputs = maps.Clone(b.CalculatedInputs)
	out.ActiveTimers = slices.Clone(b.ActiveTimers)
	out.ActiveReminders = slices.Clone(b.ActiveReminders)
	out.ScheduledAlerts = maps.Clone(b.ScheduledAlerts)
	out.History = make([]HistoryEntry, len(b.History))
	for i, h := range b.History {
		h.Details = maps.Clone(h.Details)
		out.History[i] = h
	}
	if b.History == nil {
		out.History = nil
	}
	out.PausedAt = cloneTime(b.PausedAt)
	out.CancelledAt = cloneTime(b.CancelledAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
