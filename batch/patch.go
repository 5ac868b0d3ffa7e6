package batch

import (
	"maps"
	"slices"
	"time"
)

// Patch is a partial update merged into a stored batch. Append-only
// collections only ever grow; the latest measurement cache is derived from
// the appended entries.
type Patch struct {
	CurrentStageID *int
	Status         *Status
	LoopIterations *int

	Measurements []MeasurementEntry
	History      []HistoryEntry

	RemoveTimersForStages    []int
	AddTimers                []Timer
	RemoveRemindersForStages []int
	UpdateReminders          []Reminder
	AddReminders             []Reminder

	DeleteAlerts []string
	SetAlerts    map[string]ScheduledAlert

	Lifecycle  *Lifecycle
	Maturation *Maturation
}

// Lifecycle replaces every status timestamp and reason at once.
type Lifecycle struct {
	PausedAt     *time.Time
	PauseReason  string
	CancelledAt  *time.Time
	CancelReason string
	CompletedAt  *time.Time
}

// Maturation is set when the chamber entry date is logged.
type Maturation struct {
	Chamber2EntryDate string
	MaturationEndDate string
	LifecycleTag      string
}

// LifecycleOf captures the current lifecycle fields of b.
func LifecycleOf(b *Batch) Lifecycle {
	return Lifecycle{
		PausedAt:     cloneTime(b.PausedAt),
		PauseReason:  b.PauseReason,
		CancelledAt:  cloneTime(b.CancelledAt),
		CancelReason: b.CancelReason,
		CompletedAt:  cloneTime(b.CompletedAt),
	}
}

// SetStage moves the batch to stageID.
func (p *Patch) SetStage(stageID int) *Patch {
	p.CurrentStageID = &stageID
	return p
}

// SetStatus changes the lifecycle status.
func (p *Patch) SetStatus(status Status) *Patch {
	p.Status = &status
	return p
}

// SetLoopIterations overwrites the loop counter.
func (p *Patch) SetLoopIterations(n int) *Patch {
	p.LoopIterations = &n
	return p
}

// Record appends a measurement entry.
func (p *Patch) Record(entry MeasurementEntry) *Patch {
	p.Measurements = append(p.Measurements, entry)
	return p
}

// Append adds a history entry.
func (p *Patch) Append(entry HistoryEntry) *Patch {
	p.History = append(p.History, entry)
	return p
}

// SetAlert tracks alert under key, replacing any prior entry.
func (p *Patch) SetAlert(key string, alert ScheduledAlert) *Patch {
	if p.SetAlerts == nil {
		p.SetAlerts = make(map[string]ScheduledAlert)
	}
	p.SetAlerts[key] = alert
	return p
}

// DeleteAlert forgets the alert tracked under key.
func (p *Patch) DeleteAlert(key string) *Patch {
	if !slices.Contains(p.DeleteAlerts, key) {
		p.DeleteAlerts = append(p.DeleteAlerts, key)
	}
	delete(p.SetAlerts, key)
	return p
}

// Apply merges p into b in place and stamps UpdatedAt. Version handling
// belongs to the store.
func (p Patch) Apply(b *Batch, now time.Time) {
	if p.CurrentStageID != nil {
		b.CurrentStageID = *p.CurrentStageID
	}
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.LoopIterations != nil {
		b.LoopIterations = *p.LoopIterations
	}

	if len(p.Measurements) > 0 {
		if b.Measurements == nil {
			b.Measurements = make(map[string]Value, len(p.Measurements))
		}
		for _, entry := range p.Measurements {
			b.MeasurementLog = append(b.MeasurementLog, entry)
			b.Measurements[entry.Key] = entry.Value
		}
	}
	for _, h := range p.History {
		h.Details = maps.Clone(h.Details)
		b.History = append(b.History, h)
	}

	if len(p.RemoveTimersForStages) > 0 {
		b.ActiveTimers = slices.DeleteFunc(b.ActiveTimers, func(t Timer) bool {
			return slices.Contains(p.RemoveTimersForStages, t.StageID)
		})
	}
	b.ActiveTimers = append(b.ActiveTimers, p.AddTimers...)

	if len(p.RemoveRemindersForStages) > 0 {
		b.ActiveReminders = slices.DeleteFunc(b.ActiveReminders, func(r Reminder) bool {
			return slices.Contains(p.RemoveRemindersForStages, r.StageID)
		})
	}
	for _, upd := range p.UpdateReminders {
		for i := range b.ActiveReminders {
			if b.ActiveReminders[i].ID == upd.ID {
				b.ActiveReminders[i] = upd
			}
		}
	}
	b.ActiveReminders = append(b.ActiveReminders, p.AddReminders...)

	for _, key := range p.DeleteAlerts {
		delete(b.ScheduledAlerts, key)
	}
	if len(p.SetAlerts) > 0 {
		if b.ScheduledAlerts == nil {
			b.ScheduledAlerts = make(map[string]ScheduledAlert, len(p.SetAlerts))
		}
		maps.Copy(b.ScheduledAlerts, p.SetAlerts)
	}

	if p.Lifecycle != nil {
		b.PausedAt = cloneTime(p.Lifecycle.PausedAt)
		b.PauseReason = p.Lifecycle.PauseReason
		b.CancelledAt = cloneTime(p.Lifecycle.CancelledAt)
		b.CancelReason = p.Lifecycle.CancelReason
		b.CompletedAt = cloneTime(p.Lifecycle.CompletedAt)
	}
	if p.Maturation != nil {
		b.Chamber2EntryDate = p.Maturation.Chamber2EntryDate
		b.MaturationEndDate = p.Maturation.MaturationEndDate
		b.LifecycleTag = p.Maturation.LifecycleTag
	}

	b.UpdatedAt = now
}
