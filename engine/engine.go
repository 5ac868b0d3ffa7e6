// Package engine drives cheese batches through their recipe: lifecycle
// transitions, gated stage advances, measurement logging and reminder
// acknowledgement. Every operation is a read-modify-write of one batch,
// serialized per batch id and guarded by the store version. Platform
// alerts are touched only after that write, and their tracking is saved
// by a second update.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/alerts"
	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/logging"
	"github.com/goliatone/go-curd/recipe"
	"github.com/goliatone/go-curd/store"
)

// Log actions.
const (
	LogActionStart       = "start"
	LogActionPause       = "pause"
	LogActionResume      = "resume"
	LogActionComplete    = "complete"
	LogActionCancel      = "cancel"
	LogActionAdvance     = "advance"
	LogActionLogValue    = "log_value"
	LogActionCorrect     = "correct_value"
	LogActionIteration   = "loop_iteration"
	LogActionAcknowledge = "acknowledge_reminder"
)

// MetricsRecorder receives engine outcomes. A nil recorder is a no-op.
type MetricsRecorder interface {
	ObserveAdvance(outcome string, elapsed time.Duration)
	CountLifecycle(action string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAdvance(string, time.Duration) {}
func (nopMetrics) CountLifecycle(string)                {}

// Engine owns every write to batch records.
type Engine struct {
	catalog *recipe.Catalog
	repo    store.Repository
	alerts  *alerts.Coordinator
	logger  logging.Logger
	metrics MetricsRecorder
	now     func() time.Time
	locks   *keyedMutex
}

type Option func(*Engine)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logging.Normalize(l)
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithAlerts enables external alert scheduling on transitions.
func WithAlerts(c *alerts.Coordinator) Option {
	return func(e *Engine) {
		e.alerts = c
	}
}

// New builds an engine over a recipe catalog and a repository.
func New(catalog *recipe.Catalog, repo store.Repository, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, fmt.Errorf("engine requires a recipe catalog")
	}
	if repo == nil {
		return nil, fmt.Errorf("engine requires a repository")
	}
	e := &Engine{
		catalog: catalog,
		repo:    repo,
		logger:  logging.Nop{},
		metrics: nopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
		locks:   newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Catalog exposes the recipes the engine resolves batches against.
func (e *Engine) Catalog() *recipe.Catalog {
	return e.catalog
}

// Batch returns the stored batch.
func (e *Engine) Batch(ctx context.Context, id string) (*batch.Batch, error) {
	return e.repo.GetBatch(ctx, strings.TrimSpace(id))
}

// History returns the action log of a batch.
func (e *Engine) History(ctx context.Context, id string) ([]batch.LogEntry, error) {
	if _, err := e.repo.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return e.repo.ListLogs(ctx, id)
}

// lockBatch serializes operations on one batch. Ids are trimmed the same
// way load trims them.
func (e *Engine) lockBatch(id string) func() {
	return e.locks.Lock(strings.TrimSpace(id))
}

func (e *Engine) load(ctx context.Context, id string) (*batch.Batch, *recipe.Definition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil, curd.NewError(curd.ErrMissingFields, "batch id is required", map[string]any{
			"missing_fields": []string{"batch_id"},
		})
	}
	b, err := e.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	def, ok := e.catalog.Get(b.RecipeID)
	if !ok {
		return nil, nil, curd.NewError(curd.ErrInvalidStage, "batch recipe is not loaded", map[string]any{
			"batch_id":  b.ID,
			"recipe_id": b.RecipeID,
		})
	}
	return b, def, nil
}

// commit writes p against the version b was read at and records the
// action log entry.
func (e *Engine) commit(ctx context.Context, b *batch.Batch, p *batch.Patch, stageID int, action string, details map[string]any) (*batch.Batch, error) {
	return e.commitWithAlerts(ctx, b, p, stageID, action, details, nil, nil)
}

// alertSync makes the notifier calls a committed transition needs and
// records the tracking changes in p.
type alertSync func(committed *batch.Batch, p *batch.Patch)

// commitWithAlerts writes p, and only then runs sync against the written
// batch. The notification service is never called for a transition that
// failed to commit.
func (e *Engine) commitWithAlerts(ctx context.Context, b *batch.Batch, p *batch.Patch, stageID int, action string, details map[string]any, grant *alerts.Capability, sync alertSync) (*batch.Batch, error) {
	updated, err := e.repo.UpdateBatch(ctx, b.ID, *p, b.Version)
	if err != nil {
		return nil, err
	}
	if e.alerts != nil && sync != nil {
		ap := &batch.Patch{}
		sync(updated, ap)
		updated = e.saveAlerts(ctx, grant, updated, ap)
	}
	e.appendLog(ctx, updated.ID, stageID, action, details)
	return updated, nil
}

// saveAlerts persists alert tracking. When the write fails the alerts
// scheduled for ap are cancelled again, so none is left live untracked.
func (e *Engine) saveAlerts(ctx context.Context, grant *alerts.Capability, b *batch.Batch, ap *batch.Patch) *batch.Batch {
	if len(ap.SetAlerts) == 0 && len(ap.DeleteAlerts) == 0 {
		return b
	}
	updated, err := e.repo.UpdateBatch(ctx, b.ID, *ap, b.Version)
	if err == nil {
		return updated
	}
	reverted := e.alerts.Revert(ctx, grant, b, ap)
	e.log(ctx, b.ID).Warn("alert tracking not saved, %d new alerts cancelled: %v", reverted, err)
	return b
}

// appendLog is observability only; a failure is logged, never returned.
func (e *Engine) appendLog(ctx context.Context, batchID string, stageID int, action string, details map[string]any) {
	err := e.repo.AppendLog(ctx, batch.LogEntry{
		BatchID:   batchID,
		StageID:   stageID,
		Action:    action,
		Details:   details,
		Timestamp: e.now(),
	})
	if err != nil {
		e.log(ctx, batchID).Warn("append action log %s failed: %v", action, err)
	}
}

func (e *Engine) log(ctx context.Context, batchID string) logging.Logger {
	return logging.WithFields(e.logger.WithContext(ctx), map[string]any{"batch_id": batchID})
}

// transitionLog carries the fields every transition line is logged with.
func (e *Engine) transitionLog(ctx context.Context, before, after *batch.Batch) logging.Logger {
	return logging.WithFields(e.logger.WithContext(ctx), map[string]any{
		"batch_id":   after.ID,
		"from_stage": before.CurrentStageID,
		"to_stage":   after.CurrentStageID,
		"status":     string(after.Status),
	})
}

func invalidTransition(b *batch.Batch, operation string) error {
	return curd.NewError(curd.ErrInvalidStatusTransition,
		fmt.Sprintf("cannot %s a %s batch", operation, b.Status),
		map[string]any{
			"batch_id":  b.ID,
			"status":    string(b.Status),
			"operation": operation,
		})
}

func timePtr(t time.Time) *time.Time {
	return &t
}
