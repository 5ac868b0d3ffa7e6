// Package housekeeping runs the recurring maintenance jobs of a deployment.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-curd/cron"
	"github.com/goliatone/go-curd/logging"
)

// DefaultSchedule runs retention once a day at 03:15.
const DefaultSchedule = "15 3 * * *"

// LogPruner is the slice of store.Repository retention needs.
type LogPruner interface {
	PruneLogs(ctx context.Context, before time.Time) (int, error)
}

// Retention deletes action log entries older than a fixed age.
type Retention struct {
	pruner  LogPruner
	keep    time.Duration
	now     func() time.Time
	logger  logging.Logger
	onPrune func(removed int)
}

type Option func(*Retention)

func WithClock(now func() time.Time) Option {
	return func(r *Retention) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Retention) {
		r.logger = logging.Normalize(l)
	}
}

// WithPruneObserver is called after every successful run.
func WithPruneObserver(fn func(removed int)) Option {
	return func(r *Retention) {
		r.onPrune = fn
	}
}

// NewRetention keeps entries for days days. days must be positive.
func NewRetention(pruner LogPruner, days int, opts ...Option) (*Retention, error) {
	if pruner == nil {
		return nil, fmt.Errorf("retention requires a log pruner")
	}
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	r := &Retention{
		pruner: pruner,
		keep:   time.Duration(days) * 24 * time.Hour,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Cutoff is the instant before which entries are pruned.
func (r *Retention) Cutoff() time.Time {
	return r.now().Add(-r.keep)
}

// Run prunes once.
func (r *Retention) Run(ctx context.Context) error {
	cutoff := r.Cutoff()
	removed, err := r.pruner.PruneLogs(ctx, cutoff)
	if err != nil {
		r.logger.Error("retention prune before %s failed: %v", cutoff.Format(time.RFC3339), err)
		return err
	}
	logging.WithFields(r.logger, map[string]any{
		"removed": removed,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("retention pruned %d action log entries", removed)
	if r.onPrune != nil {
		r.onPrune(removed)
	}
	return nil
}

// Register schedules Run on s. An empty expression uses DefaultSchedule.
func (r *Retention) Register(s *cron.Scheduler, expression string, cfg cron.JobConfig) (*cron.Entry, error) {
	if expression == "" {
		expression = DefaultSchedule
	}
	cfg.Expression = expression
	if cfg.Name == "" {
		cfg.Name = "retention"
	}
	return s.ScheduleCron(cfg, r.Run)
}
