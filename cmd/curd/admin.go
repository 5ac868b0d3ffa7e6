package main

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/cron"
	"github.com/goliatone/go-curd/housekeeping"
	"github.com/goliatone/go-curd/voice"
)

type recipesListCmd struct{}

func (c *recipesListCmd) Run(a *app) error {
	type row struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
		Stages  int    `json:"stages"`
	}
	var rows []row
	for _, id := range a.catalog.IDs() {
		def, _ := a.catalog.Get(id)
		rows = append(rows, row{ID: def.ID, Name: def.Name, Enabled: def.Enabled, Stages: len(def.Stages)})
	}
	return a.print(rows)
}

type recipesShowCmd struct {
	ID     string  `arg:"" help:"Recipe id."`
	Volume float64 `help:"Show doses for this volume in liters."`
}

func (c *recipesShowCmd) Run(a *app) error {
	def, ok := a.catalog.Get(c.ID)
	if !ok {
		return curd.NewError(curd.ErrInvalidCheeseType, "", map[string]any{"recipe_id": c.ID})
	}
	if c.Volume > 0 {
		return a.print(map[string]any{
			"recipe": def,
			"doses":  def.CalculateInputs(c.Volume),
		})
	}
	return a.print(def)
}

type housekeepCmd struct {
	Once bool `help:"Prune once and exit instead of running the schedule."`
}

func (c *housekeepCmd) Run(a *app) error {
	r, err := housekeeping.NewRetention(a.repo, a.cfg.Retention.Days,
		housekeeping.WithLogger(a.logger),
		housekeeping.WithPruneObserver(func(removed int) {
			a.metrics.CountLifecycle("retention_prune")
		}),
	)
	if err != nil {
		return err
	}
	if c.Once {
		return r.Run(a.ctx)
	}

	s := cron.NewScheduler(
		cron.WithLocation(a.cfg.Location()),
		cron.WithLogger(a.logger),
		cron.WithErrorHandler(func(error) {
			a.metrics.CountLifecycle("retention_failed")
		}),
	)
	h, err := r.Register(s, a.cfg.Retention.Schedule, cron.JobConfig{MaxRetries: 2})
	if err != nil {
		return err
	}
	if err := s.Start(a.ctx); err != nil {
		return err
	}
	a.logger.Info("retention keeps %d days, next run at %s", a.cfg.Retention.Days, h.Next().Format("2006-01-02 15:04"))

	<-a.ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

type voiceCmd struct {
	Intent     string            `arg:"" help:"Intent name, e.g. advance or log_ph."`
	Batch      string            `help:"Batch id of the session."`
	Entity     map[string]string `short:"e" help:"Entity as key=value; repeatable."`
	Confidence float64           `help:"Interpreter confidence." default:"1"`
}

func (c *voiceCmd) Run(a *app) error {
	x, err := voice.NewExecutor(a.engine,
		voice.WithConfidenceThreshold(a.cfg.Voice.ConfidenceThreshold),
		voice.WithAutoAdvance(a.cfg.Voice.AutoAdvance),
		voice.WithLocation(a.cfg.Location()),
		voice.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	p := x.Handle(a.ctx, voice.Session{BatchID: c.Batch, Alerts: a.grant}, voice.Interpretation{
		Intent:     strings.TrimSpace(c.Intent),
		Confidence: c.Confidence,
		Entities:   c.Entity,
	})
	return a.print(p)
}

// mount adapts a kong command value to curd.CLICommand.
type mount struct {
	handler any
	config  curd.CLIConfig
}

func (m mount) CLIHandler() any            { return m.handler }
func (m mount) CLIOptions() curd.CLIConfig { return m.config }

var groups = []curd.CLIGroup{
	{Name: "batch", Description: "Drive a production batch."},
	{Name: "recipes", Description: "Inspect the recipe catalog."},
}

func cmd(handler any, help string, path ...string) mount {
	return mount{handler: handler, config: curd.CLIConfig{
		Path:        path,
		Description: help,
		Groups:      groups,
	}}
}

func commands() []curd.CLICommand {
	return []curd.CLICommand{
		cmd(&startCmd{}, "Start a batch from the intake readings.", "batch", "start"),
		cmd(&advanceCmd{}, "Advance a batch to its next stage.", "batch", "advance"),
		cmd(&logCmd{}, "Log a numeric reading on the current stage.", "batch", "log"),
		cmd(&logTimeCmd{}, "Log a clock time on the current stage.", "batch", "log-time"),
		cmd(&logDateCmd{}, "Log a date on the current stage.", "batch", "log-date"),
		cmd(&correctCmd{}, "Correct the latest reading of a key.", "batch", "correct"),
		cmd(&turnCmd{}, "Count one pass of the current loop stage.", "batch", "turn"),
		cmd(&ackCmd{}, "Acknowledge a reminder.", "batch", "ack"),
		cmd(&pauseCmd{}, "Pause a batch.", "batch", "pause"),
		cmd(&resumeCmd{}, "Resume a paused batch.", "batch", "resume"),
		cmd(&completeCmd{}, "Complete a batch from any stage.", "batch", "complete"),
		cmd(&cancelCmd{}, "Cancel a batch.", "batch", "cancel"),
		cmd(&statusCmd{}, "Show what to do now.", "batch", "status"),
		cmd(&historyCmd{}, "Show the action log.", "batch", "history"),
		cmd(&recipesListCmd{}, "List recipes.", "recipes", "list"),
		cmd(&recipesShowCmd{}, "Show a recipe.", "recipes", "show"),
		cmd(&housekeepCmd{}, "Prune old action log entries on schedule.", "housekeep"),
		cmd(&voiceCmd{}, "Handle one interpreted utterance.", "voice"),
	}
}
