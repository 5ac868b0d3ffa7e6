package alerts

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/logging"
	"github.com/goliatone/go-curd/runner"
)

// Results reported to a Recorder.
const (
	ResultScheduled        = "scheduled"
	ResultFailed           = "failed"
	ResultPermissionNeeded = "permission_needed"
	ResultCancelled        = "cancelled"
	ResultCancelFailed     = "cancel_failed"
)

// Recorder observes alert outcomes.
type Recorder interface {
	AlertResult(result string)
}

// Coordinator maps stage transitions to notifier calls. Tracking changes
// are written to the caller's batch.Patch; callers run it against an
// already committed batch and persist that patch next, calling Revert
// when the write fails.
type Coordinator struct {
	notifier Notifier
	runner   *runner.Handler
	logger   logging.Logger
	recorder Recorder
	now      func() time.Time

	maxAttempts    int
	attemptTimeout time.Duration
	backoffBase    time.Duration
}

type Option func(*Coordinator)

func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logging.Normalize(l)
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithRetry bounds notifier calls: maxAttempts tries, each limited by
// attemptTimeout, with exponential backoff from backoffBase.
func WithRetry(maxAttempts int, attemptTimeout, backoffBase time.Duration) Option {
	return func(c *Coordinator) {
		c.maxAttempts = maxAttempts
		c.attemptTimeout = attemptTimeout
		c.backoffBase = backoffBase
	}
}

// NewCoordinator defaults to three attempts of five seconds each.
func NewCoordinator(notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		notifier: notifier,
		logger:   logging.Nop{},
		now:      func() time.Time { return time.Now().UTC() },

		maxAttempts:    3,
		attemptTimeout: 5 * time.Second,
		backoffBase:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.runner = newRunner(c.maxAttempts, c.attemptTimeout, c.backoffBase, c.logger)
	return c
}

func newRunner(maxAttempts int, attemptTimeout, backoffBase time.Duration, logger logging.Logger) *runner.Handler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return runner.NewHandler(
		runner.WithMaxRetries(maxAttempts-1),
		runner.WithTimeout(attemptTimeout),
		runner.WithLogger(logger),
		runner.WithRetryStrategy(runner.PermanentAware{Strategy: runner.ExponentialBackoffStrategy{
			Base:   backoffBase,
			Factor: 2,
			Max:    10 * backoffBase,
		}}),
	)
}

// ScheduleWait schedules the wait of stageID, replacing any alert already
// tracked for that stage. A missing capability skips the call and asks
// for permission; service failures are logged and reported as not
// scheduled.
func (c *Coordinator) ScheduleWait(ctx context.Context, grant *Capability, b *batch.Batch, stageID int, spec WaitSpec, p *batch.Patch) Outcome {
	if c == nil || c.notifier == nil || spec.Duration <= 0 {
		return Outcome{}
	}
	if !grant.Usable() {
		c.record(ResultPermissionNeeded)
		return Outcome{PermissionNeeded: true}
	}

	if p == nil {
		p = &batch.Patch{}
	}
	key := batch.StageKey(stageID)
	c.Cancel(ctx, grant, b, key, p)

	fireAt := c.now().Add(spec.Duration)
	id, err := runner.Do(ctx, c.runner, func(ctx context.Context) (string, error) {
		return c.notifier.ScheduleReminder(ctx, *grant, spec.Message, fireAt)
	})
	if err != nil {
		c.log(b, stageID).Warn("alert for %s not scheduled: %v", key, err)
		if isPermission(err) {
			c.record(ResultPermissionNeeded)
			return Outcome{PermissionNeeded: true}
		}
		c.record(ResultFailed)
		return Outcome{}
	}

	p.SetAlert(key, batch.ScheduledAlert{
		ExternalID: id,
		StageID:    stageID,
		DueAt:      fireAt,
		Kind:       spec.Kind,
	})
	c.record(ResultScheduled)
	c.log(b, stageID).Debug("alert %s scheduled for %s", id, fireAt.Format(time.RFC3339))
	return Outcome{ExternalID: id, Scheduled: true}
}

// Cancel cancels the alert tracked under key and drops it from tracking.
// Without a usable capability the entry stays tracked so a later call can
// still cancel it. It reports whether an entry was dropped.
func (c *Coordinator) Cancel(ctx context.Context, grant *Capability, b *batch.Batch, key string, p *batch.Patch) bool {
	if c == nil || c.notifier == nil || p == nil || !grant.Usable() {
		return false
	}
	alert, ok := tracked(b, p, key)
	if !ok {
		return false
	}
	err := c.runner.Run(ctx, func(ctx context.Context) error {
		return c.notifier.CancelReminder(ctx, *grant, alert.ExternalID)
	})
	if err != nil {
		c.log(b, alert.StageID).Warn("cancel alert %s failed: %v", alert.ExternalID, err)
		c.record(ResultCancelFailed)
	} else {
		c.record(ResultCancelled)
	}
	p.DeleteAlert(key)
	return true
}

// CancelAll cancels every tracked alert of b and returns how many were dropped.
func (c *Coordinator) CancelAll(ctx context.Context, grant *Capability, b *batch.Batch, p *batch.Patch) int {
	if b == nil {
		return 0
	}
	keys := make([]string, 0, len(b.ScheduledAlerts))
	for key := range b.ScheduledAlerts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	n := 0
	for _, key := range keys {
		if c.Cancel(ctx, grant, b, key, p) {
			n++
		}
	}
	return n
}

// Revert cancels the alerts p started tracking. It is for patches whose
// write failed, so the alerts exist only on the notification service.
func (c *Coordinator) Revert(ctx context.Context, grant *Capability, b *batch.Batch, p *batch.Patch) int {
	if c == nil || c.notifier == nil || p == nil || len(p.SetAlerts) == 0 || !grant.Usable() {
		return 0
	}
	keys := make([]string, 0, len(p.SetAlerts))
	for key := range p.SetAlerts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	n := 0
	for _, key := range keys {
		alert := p.SetAlerts[key]
		err := c.runner.Run(ctx, func(ctx context.Context) error {
			return c.notifier.CancelReminder(ctx, *grant, alert.ExternalID)
		})
		if err != nil {
			c.log(b, alert.StageID).Error("orphaned alert %s could not be cancelled: %v", alert.ExternalID, err)
			c.record(ResultCancelFailed)
			continue
		}
		c.record(ResultCancelled)
		n++
	}
	return n
}

func tracked(b *batch.Batch, p *batch.Patch, key string) (batch.ScheduledAlert, bool) {
	if p != nil {
		if alert, ok := p.SetAlerts[key]; ok {
			return alert, true
		}
		if slices.Contains(p.DeleteAlerts, key) {
			return batch.ScheduledAlert{}, false
		}
	}
	if b == nil {
		return batch.ScheduledAlert{}, false
	}
	alert, ok := b.ScheduledAlerts[key]
	return alert, ok
}

func isPermission(err error) bool {
	return errors.HasCategory(err, errors.CategoryAuthz) || errors.HasCategory(err, errors.CategoryAuth)
}

func (c *Coordinator) record(result string) {
	if c.recorder != nil {
		c.recorder.AlertResult(result)
	}
}

func (c *Coordinator) log(b *batch.Batch, stageID int) logging.Logger {
	fields := map[string]any{"stage_id": stageID}
	if b != nil {
		fields["batch_id"] = b.ID
	}
	return logging.WithFields(c.logger, fields)
}
