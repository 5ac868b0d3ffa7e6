package batch

import (
	"math"
	"time"
)

// Timer is a wait period started when its stage was entered.
type Timer struct {
	ID          string    `json:"id"`
	StageID     int       `json:"stage_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Blocking    bool      `json:"blocking"`
	Description string    `json:"description,omitempty"`
}

// Reminder is a recurring check-in nudge. Interval zero means one-shot.
type Reminder struct {
	ID           string        `json:"id"`
	StageID      int           `json:"stage_id"`
	Kind         string        `json:"kind"`
	Interval     time.Duration `json:"interval"`
	NextTrigger  time.Time     `json:"next_trigger"`
	Acknowledged bool          `json:"acknowledged"`
	Description  string        `json:"description,omitempty"`
}

// TimerState is the lazily computed completeness of a timer.
type TimerState struct {
	TimerID          string `json:"timer_id"`
	StageID          int    `json:"stage_id"`
	Blocking         bool   `json:"blocking"`
	Complete         bool   `json:"complete"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Description      string `json:"description,omitempty"`
}

// RemainingMinutes rounds the remaining time up to whole minutes.
func (s TimerState) RemainingMinutes() int {
	return int(math.Ceil(float64(s.RemainingSeconds) / 60))
}

// EvaluateTimer answers whether t has elapsed at now. It is pure: calling
// it repeatedly with the same inputs yields the same state.
func EvaluateTimer(t Timer, now time.Time) TimerState {
	remaining := t.EndTime.Sub(now)
	state := TimerState{
		TimerID:     t.ID,
		StageID:     t.StageID,
		Blocking:    t.Blocking,
		Description: t.Description,
	}
	if remaining <= 0 {
		state.Complete = true
		return state
	}
	state.RemainingSeconds = int64(math.Ceil(remaining.Seconds()))
	return state
}

// EvaluateTimers evaluates every timer at the same instant.
func EvaluateTimers(timers []Timer, now time.Time) []TimerState {
	out := make([]TimerState, 0, len(timers))
	for _, t := range timers {
		out = append(out, EvaluateTimer(t, now))
	}
	return out
}

// ReminderDue reports whether r should fire at now.
func ReminderDue(r Reminder, now time.Time) bool {
	return !r.Acknowledged && !now.Before(r.NextTrigger)
}

// DueReminders filters reminders that should fire at now.
func DueReminders(reminders []Reminder, now time.Time) []Reminder {
	var out []Reminder
	for _, r := range reminders {
		if ReminderDue(r, now) {
			out = append(out, r)
		}
	}
	return out
}

// Acknowledge marks the current cycle acknowledged. Interval reminders
// renew themselves: the next trigger moves to now+interval and the flag
// resets so the following cycle fires again.
func Acknowledge(r Reminder, now time.Time) Reminder {
	r.Acknowledged = true
	if r.Interval > 0 {
		r.NextTrigger = now.Add(r.Interval)
		r.Acknowledged = false
	}
	return r
}
