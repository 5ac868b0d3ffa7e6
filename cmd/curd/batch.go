package main

import (
	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/engine"
	"github.com/goliatone/go-curd/normalize"
)

type startCmd struct {
	Recipe      string  `help:"Recipe id." default:"caciotta"`
	Volume      float64 `help:"Milk volume in liters." required:""`
	Temperature float64 `help:"Milk temperature in Celsius." required:""`
	PH          float64 `name:"ph" help:"Milk pH." required:""`
}

func (c *startCmd) Run(a *app) error {
	res, err := a.engine.Start(a.ctx, engine.StartRequest{
		RecipeID:    c.Recipe,
		Volume:      &c.Volume,
		Temperature: &c.Temperature,
		PH:          &c.PH,
		Alerts:      a.grant,
	})
	if err != nil {
		return err
	}
	return a.print(map[string]any{
		"batch":             res.Batch,
		"alert_scheduled":   res.Alert.Scheduled,
		"permission_needed": res.Alert.PermissionNeeded,
	})
}

type advanceCmd struct {
	Batch string `arg:"" help:"Batch id."`
}

func (c *advanceCmd) Run(a *app) error {
	res, err := a.engine.Advance(a.ctx, engine.AdvanceRequest{BatchID: c.Batch, Alerts: a.grant})
	if err != nil {
		return err
	}
	return a.print(map[string]any{
		"from_stage":        res.FromStage,
		"to_stage":          res.ToStage,
		"completed":         res.Completed,
		"loop_exit":         res.LoopExit,
		"alert_scheduled":   res.AlertScheduled,
		"permission_needed": res.AlertPermissionNeeded,
	})
}

type logCmd struct {
	Batch string `arg:"" help:"Batch id."`
	Key   string `arg:"" help:"Measurement key, e.g. ph or temperature."`
	Value string `arg:"" help:"Reading as spoken or typed."`
}

func (c *logCmd) Run(a *app) error {
	v, ok := normalize.Number(c.Value)
	if !ok {
		return curd.NewError(curd.ErrMissingFields, "value is not a number", map[string]any{
			"missing_fields": []string{c.Key},
		})
	}
	res, err := a.engine.LogValue(a.ctx, c.Batch, c.Key, v)
	if err != nil {
		return err
	}
	return a.print(res.Entry)
}

type logTimeCmd struct {
	Batch string `arg:"" help:"Batch id."`
	Time  string `arg:"" help:"Clock time, e.g. 10:30 or adesso."`
	Key   string `help:"Measurement key." default:"time"`
}

func (c *logTimeCmd) Run(a *app) error {
	hhmm, ok := normalize.SpokenTimeIn(c.Time, a.now(), a.cfg.Location())
	if !ok {
		hhmm = c.Time
	}
	res, err := a.engine.LogTimeValue(a.ctx, c.Batch, c.Key, hhmm)
	if err != nil {
		return err
	}
	return a.print(res.Entry)
}

type logDateCmd struct {
	Batch string `arg:"" help:"Batch id."`
	Date  string `arg:"" help:"Date, e.g. 2026-03-20, 20/03 or oggi."`
	Key   string `help:"Measurement key." default:"date"`
}

func (c *logDateCmd) Run(a *app) error {
	ymd, ok := normalize.SpokenDateIn(c.Date, a.now(), a.cfg.Location())
	if !ok {
		ymd = c.Date
	}
	res, err := a.engine.LogDateValue(a.ctx, c.Batch, c.Key, ymd)
	if err != nil {
		return err
	}
	return a.print(map[string]any{
		"entry":               res.Entry,
		"maturation_end_date": res.Batch.MaturationEndDate,
	})
}

type correctCmd struct {
	Batch  string `arg:"" help:"Batch id."`
	Key    string `arg:"" help:"Stored measurement key."`
	Value  string `arg:"" help:"Corrected reading."`
	Reason string `help:"Why the reading is corrected." required:""`
}

func (c *correctCmd) Run(a *app) error {
	var v batch.Value
	if n, ok := normalize.Number(c.Value); ok {
		v = batch.NumberValue(n)
	} else if t, ok := batch.TimeValue(c.Value); ok {
		v = t
	} else if d, ok := batch.DateValue(c.Value); ok {
		v = d
	}
	res, err := a.engine.CorrectValue(a.ctx, c.Batch, c.Key, v, c.Reason)
	if err != nil {
		return err
	}
	return a.print(res.Entry)
}

type turnCmd struct {
	Batch string `arg:"" help:"Batch id."`
}

func (c *turnCmd) Run(a *app) error {
	b, err := a.engine.RecordLoopIteration(a.ctx, c.Batch)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"turning_cycles_count": b.LoopIterations})
}

type ackCmd struct {
	Batch    string `arg:"" help:"Batch id."`
	Reminder string `arg:"" help:"Reminder id."`
}

func (c *ackCmd) Run(a *app) error {
	b, err := a.engine.AcknowledgeReminder(a.ctx, c.Batch, c.Reminder)
	if err != nil {
		return err
	}
	r, _ := b.Reminder(c.Reminder)
	return a.print(r)
}

type pauseCmd struct {
	Batch  string `arg:"" help:"Batch id."`
	Reason string `help:"Optional pause reason."`
}

func (c *pauseCmd) Run(a *app) error {
	b, err := a.engine.Pause(a.ctx, c.Batch, c.Reason)
	if err != nil {
		return err
	}
	return a.print(lifecycleView(b))
}

type resumeCmd struct {
	Batch string `arg:"" help:"Batch id."`
}

func (c *resumeCmd) Run(a *app) error {
	b, err := a.engine.Resume(a.ctx, c.Batch)
	if err != nil {
		return err
	}
	return a.print(lifecycleView(b))
}

type completeCmd struct {
	Batch string `arg:"" help:"Batch id."`
}

func (c *completeCmd) Run(a *app) error {
	b, err := a.engine.Complete(a.ctx, c.Batch, a.grant)
	if err != nil {
		return err
	}
	return a.print(lifecycleView(b))
}

type cancelCmd struct {
	Batch  string `arg:"" help:"Batch id."`
	Reason string `help:"Why the batch is abandoned." required:""`
}

func (c *cancelCmd) Run(a *app) error {
	b, err := a.engine.Cancel(a.ctx, c.Batch, c.Reason, a.grant)
	if err != nil {
		return err
	}
	return a.print(lifecycleView(b))
}

type statusCmd struct {
	Batch string `arg:"" help:"Batch id."`
}

func (c *statusCmd) Run(a *app) error {
	snap, err := a.engine.Status(a.ctx, c.Batch)
	if err != nil {
		return err
	}
	return a.print(snap)
}

type historyCmd struct {
	Batch string `arg:"" help:"Batch id."`
}

func (c *historyCmd) Run(a *app) error {
	entries, err := a.engine.History(a.ctx, c.Batch)
	if err != nil {
		return err
	}
	return a.print(entries)
}

func lifecycleView(b *batch.Batch) map[string]any {
	return map[string]any{
		"batch_id":         b.ID,
		"status":           b.Status,
		"current_stage_id": b.CurrentStageID,
		"paused_at":        b.PausedAt,
		"cancelled_at":     b.CancelledAt,
		"completed_at":     b.CompletedAt,
		"scheduled_alerts": len(b.ScheduledAlerts),
	}
}
