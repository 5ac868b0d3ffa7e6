package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/alerts"
	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/recipe"
	"github.com/goliatone/go-curd/store"
)

var startTime = time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	mu        sync.Mutex
	advances  map[string]int
	lifecycle map[string]int
}

func (m *recordingMetrics) ObserveAdvance(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advances == nil {
		m.advances = make(map[string]int)
	}
	m.advances[outcome]++
}

func (m *recordingMetrics) CountLifecycle(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lifecycle == nil {
		m.lifecycle = make(map[string]int)
	}
	m.lifecycle[action]++
}

type fixture struct {
	engine *Engine
	repo   *store.Memory
	clock  *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	catalog, err := recipe.Builtin()
	require.NoError(t, err)

	clk := &testClock{now: startTime}
	repo := store.NewMemory(store.WithClock(clk.Now))
	e, err := New(catalog, repo, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	return &fixture{engine: e, repo: repo, clock: clk}
}

func ptr(v float64) *float64 { return &v }

func (f *fixture) start(t *testing.T) *batch.Batch {
	t.Helper()
	res, err := f.engine.Start(context.Background(), StartRequest{
		RecipeID:    "caciotta",
		Volume:      ptr(100),
		Temperature: ptr(32),
		PH:          ptr(6.6),
	})
	require.NoError(t, err)
	return res.Batch
}

// seedAt stores an active caciotta batch that just entered stageID.
func (f *fixture) seedAt(t *testing.T, stageID int) *batch.Batch {
	t.Helper()
	def, ok := f.engine.catalog.Get("caciotta")
	require.True(t, ok)
	st, ok := def.Stage(stageID)
	require.True(t, ok)

	now := f.clock.Now()
	b := &batch.Batch{
		RecipeID:         def.ID,
		Status:           batch.StatusActive,
		Volume:           100,
		CalculatedInputs: def.CalculateInputs(100),
		CreatedAt:        now,
	}
	p := &batch.Patch{}
	p.SetStage(stageID)
	f.engine.enterStage(p, st, now)
	p.Apply(b, now)

	created, err := f.repo.CreateBatch(context.Background(), b)
	require.NoError(t, err)
	return created
}

func (f *fixture) advance(t *testing.T, id string) *AdvanceResult {
	t.Helper()
	res, err := f.engine.Advance(context.Background(), AdvanceRequest{BatchID: id})
	require.NoError(t, err)
	return res
}

func requireCode(t *testing.T, err error, code string) map[string]any {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, curd.Code(err), "error: %v", err)
	return curd.Metadata(err)
}

func historyActions(b *batch.Batch, stageID int) []string {
	var out []string
	for _, h := range b.History {
		if h.StageID == stageID {
			out = append(out, h.Action)
		}
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	catalog, err := recipe.Builtin()
	require.NoError(t, err)

	_, err = New(nil, store.NewMemory())
	assert.Error(t, err)
	_, err = New(catalog, nil)
	assert.Error(t, err)
}

func TestStartSkipsPreparatoryStagesAndDoses(t *testing.T) {
	metrics := &recordingMetrics{}
	f := newFixture(t, WithMetrics(metrics))
	b := f.start(t)

	assert.Equal(t, 3, b.CurrentStageID)
	assert.Equal(t, batch.StatusActive, b.Status)
	assert.Equal(t, 1, b.Version)
	assert.Equal(t, map[string]float64{
		"starter_culture":  2,
		"calcium_chloride": 20,
		"rennet":           30,
		"salt":             1.8,
	}, b.CalculatedInputs)

	assert.Equal(t, []string{batch.ActionAutoComplete}, historyActions(b, 1))
	assert.Equal(t, []string{batch.ActionAutoComplete}, historyActions(b, 2))
	assert.Equal(t, []string{batch.ActionStart}, historyActions(b, 3))

	for key, want := range map[string]float64{"volume": 100, "milk_temperature": 32, "milk_ph": 6.6} {
		v, ok := b.Latest(key)
		require.True(t, ok, key)
		n, _ := v.Number()
		assert.Equal(t, want, n, key)
	}
	assert.Empty(t, b.ActiveTimers)

	logs, err := f.engine.History(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LogActionStart, logs[0].Action)
	assert.Equal(t, 1, metrics.lifecycle[LogActionStart])
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, StartRequest{Temperature: ptr(32), PH: ptr(6.6)})
	meta := requireCode(t, err, curd.ErrCodeMissingFields)
	assert.Equal(t, []string{"volume"}, meta["missing_fields"])

	_, err = f.engine.Start(ctx, StartRequest{Volume: ptr(100), Temperature: ptr(120), PH: ptr(66)})
	meta = requireCode(t, err, curd.ErrCodeMissingFields)
	assert.Equal(t, []string{"temperature"}, meta["missing_fields"])

	_, err = f.engine.Start(ctx, StartRequest{RecipeID: "brie", Volume: ptr(100), Temperature: ptr(32), PH: ptr(6.6)})
	requireCode(t, err, curd.ErrCodeInvalidCheeseType)

	_, err = f.engine.Start(ctx, StartRequest{RecipeID: "pecorino", Volume: ptr(100), Temperature: ptr(32), PH: ptr(6.6)})
	requireCode(t, err, curd.ErrCodeCheeseTypeUnavailable)
}

func TestAdvanceMissingInputsDoesNotMove(t *testing.T) {
	metrics := &recordingMetrics{}
	f := newFixture(t, WithMetrics(metrics))
	b := f.seedAt(t, 4)

	_, err := f.engine.Advance(context.Background(), AdvanceRequest{BatchID: b.ID})
	meta := requireCode(t, err, curd.ErrCodeValidationFailed)
	assert.Equal(t, []string{"temperature"}, meta["missing_keys"])

	stored, err := f.engine.Batch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.CurrentStageID)
	assert.Equal(t, b.Version, stored.Version)
	assert.Equal(t, 1, metrics.advances["validation_failed"])
}

func TestAdvanceBlockedByTimerUntilElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 4)

	_, err := f.engine.LogValue(ctx, b.ID, "temperature", 32)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	meta := requireCode(t, err, curd.ErrCodeTimerNotElapsed)
	assert.Equal(t, 20, meta["remaining_minutes"])
	assert.EqualValues(t, 1200, meta["remaining_seconds"])

	f.clock.Advance(20 * time.Minute)
	res := f.advance(t, b.ID)
	assert.Equal(t, 4, res.FromStage)
	assert.Equal(t, 5, res.ToStage)
}

func TestAdvanceBlockingTimerMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 5)

	var p batch.Patch
	p.RemoveTimersForStages = []int{5}
	_, err := f.repo.UpdateBatch(ctx, b.ID, p, store.AnyVersion)
	require.NoError(t, err)

	_, err = f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	requireCode(t, err, curd.ErrCodeBlockingTimerMissing)
}

func TestAdvanceRemovesOnlyPreviousStageTimersAndReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 5)

	var p batch.Patch
	p.AddTimers = []batch.Timer{{ID: "keep", StageID: 11, EndTime: startTime.Add(time.Hour)}}
	p.AddReminders = []batch.Reminder{{ID: "keep-r", StageID: 11, NextTrigger: startTime.Add(time.Hour)}}
	_, err := f.repo.UpdateBatch(ctx, b.ID, p, store.AnyVersion)
	require.NoError(t, err)

	f.clock.Advance(40 * time.Minute)
	res := f.advance(t, b.ID)
	require.Equal(t, 6, res.ToStage)

	require.Len(t, res.Batch.ActiveTimers, 1)
	assert.Equal(t, "keep", res.Batch.ActiveTimers[0].ID)
	require.Len(t, res.Batch.ActiveReminders, 1)
	assert.Equal(t, "keep-r", res.Batch.ActiveReminders[0].ID)
	assert.Equal(t, []string{batch.ActionStart, batch.ActionComplete}, historyActions(res.Batch, 5))
	assert.Equal(t, []string{batch.ActionStart}, historyActions(res.Batch, 6))
}

func TestNonBlockingTimerDoesNotGate(t *testing.T) {
	f := newFixture(t)
	b := f.seedAt(t, 7)
	require.Len(t, b.ActiveTimers, 1)

	res := f.advance(t, b.ID)
	assert.Equal(t, 8, res.ToStage)
	assert.Empty(t, res.Batch.ActiveTimers)
}

func TestLoopExitByValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 9)

	_, err := f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	meta := requireCode(t, err, curd.ErrCodeLoopConditionNotMet)
	assert.Equal(t, "not yet measured", meta["current_value"])
	assert.Equal(t, 360, meta["remaining_minutes"])
	assert.Equal(t, "ph <= 5.3", meta["condition"])

	logged, err := f.engine.LogValue(ctx, b.ID, "ph", 5.6)
	require.NoError(t, err)
	assert.Equal(t, "ph_turning", logged.Entry.Key)

	f.clock.Advance(time.Hour)
	_, err = f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	meta = requireCode(t, err, curd.ErrCodeLoopConditionNotMet)
	assert.Equal(t, 5.6, meta["current_value"])
	assert.Equal(t, 300, meta["remaining_minutes"])

	_, err = f.engine.LogValue(ctx, b.ID, "ph", 5.2)
	require.NoError(t, err)
	res := f.advance(t, b.ID)
	assert.Equal(t, batch.ExitValueReached, res.LoopExit)
	assert.Equal(t, 10, res.ToStage)

	var exit *batch.HistoryEntry
	for i := range res.Batch.History {
		if res.Batch.History[i].Action == batch.ActionLoopExit {
			exit = &res.Batch.History[i]
		}
	}
	require.NotNil(t, exit)
	assert.Equal(t, 9, exit.StageID)
	assert.Equal(t, batch.ExitValueReached, exit.Details["reason"])
}

func TestLoopExitByTimeLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 9)

	_, err := f.engine.LogValue(ctx, b.ID, "ph", 5.9)
	require.NoError(t, err)
	_, err = f.engine.RecordLoopIteration(ctx, b.ID)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Hour)
	res := f.advance(t, b.ID)
	assert.Equal(t, batch.ExitTimeLimit, res.LoopExit)
	assert.Equal(t, 10, res.ToStage)
	assert.Equal(t, []string{batch.ActionStart, batch.ActionLoopExit, batch.ActionComplete}, historyActions(res.Batch, 9))

	for _, h := range res.Batch.History {
		if h.Action == batch.ActionLoopExit {
			assert.Equal(t, batch.ExitTimeLimit, h.Details["reason"])
			assert.Equal(t, 1, h.Details["iterations"])
		}
	}
}

func TestRecordLoopIterationOutsideLoop(t *testing.T) {
	f := newFixture(t)
	b := f.seedAt(t, 8)

	_, err := f.engine.RecordLoopIteration(context.Background(), b.ID)
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)
}

func TestPausedBatchCannotAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.start(t)

	paused, err := f.engine.Pause(ctx, b.ID, "lunch")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusPaused, paused.Status)
	assert.Equal(t, "lunch", paused.PauseReason)
	require.NotNil(t, paused.PausedAt)

	_, err = f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)

	_, err = f.engine.Pause(ctx, b.ID, "again")
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)

	// values may still be logged while paused
	_, err = f.engine.LogValue(ctx, b.ID, "temperature", 36.5)
	require.NoError(t, err)

	resumed, err := f.engine.Resume(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusActive, resumed.Status)
	assert.Nil(t, resumed.PausedAt)

	res := f.advance(t, b.ID)
	assert.Equal(t, 4, res.ToStage)

	_, err = f.engine.Resume(ctx, b.ID)
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)
}

func TestCancelRequiresReason(t *testing.T) {
	metrics := &recordingMetrics{}
	f := newFixture(t, WithMetrics(metrics))
	ctx := context.Background()
	b := f.start(t)

	_, err := f.engine.Cancel(ctx, b.ID, "   ", nil)
	requireCode(t, err, curd.ErrCodeMissingReason)

	stored, err := f.engine.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusActive, stored.Status)

	cancelled, err := f.engine.Cancel(ctx, b.ID, "milk contaminated", nil)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCancelled, cancelled.Status)
	assert.Equal(t, "milk contaminated", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)
	_, err = f.engine.LogValue(ctx, b.ID, "ph", 6.1)
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)
	_, err = f.engine.Complete(ctx, b.ID, nil)
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)
	assert.Equal(t, 1, metrics.lifecycle[LogActionCancel])
}

func TestCompleteFromAnyStage(t *testing.T) {
	f := newFixture(t)
	b := f.seedAt(t, 6)

	done, err := f.engine.Complete(context.Background(), b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, done.Status)
	assert.Equal(t, 6, done.CurrentStageID)
	require.NotNil(t, done.CompletedAt)
}

func TestUnknownBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Advance(ctx, AdvanceRequest{BatchID: "missing"})
	requireCode(t, err, curd.ErrCodeBatchNotFound)
	_, err = f.engine.Advance(ctx, AdvanceRequest{})
	requireCode(t, err, curd.ErrCodeMissingFields)
	_, err = f.engine.Status(ctx, "missing")
	requireCode(t, err, curd.ErrCodeBatchNotFound)
}

func TestFullRunToMaturation(t *testing.T) {
	metrics := &recordingMetrics{}
	f := newFixture(t, WithMetrics(metrics))
	ctx := context.Background()
	b := f.start(t)

	f.advance(t, b.ID) // 3 -> 4

	_, err := f.engine.LogValue(ctx, b.ID, "temperature", 32)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	f.advance(t, b.ID) // 4 -> 5

	f.clock.Advance(40 * time.Minute)
	f.advance(t, b.ID) // 5 -> 6

	_, err = f.engine.LogTimeValue(ctx, b.ID, "time", "10:30")
	require.NoError(t, err)
	f.advance(t, b.ID) // 6 -> 7
	f.advance(t, b.ID) // 7 -> 8, non-blocking timer

	_, err = f.engine.LogValue(ctx, b.ID, "ph", 6.2)
	require.NoError(t, err)
	f.advance(t, b.ID) // 8 -> 9

	_, err = f.engine.LogValue(ctx, b.ID, "ph", 5.2)
	require.NoError(t, err)
	res := f.advance(t, b.ID) // 9 -> 10
	assert.Equal(t, batch.ExitValueReached, res.LoopExit)

	f.advance(t, b.ID) // 10 -> 11

	_, err = f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	requireCode(t, err, curd.ErrCodeTimerNotElapsed)
	f.clock.Advance(48 * time.Hour)
	f.advance(t, b.ID) // 11 -> 12

	_, err = f.engine.LogDateValue(ctx, b.ID, "date", "2026-13-01")
	requireCode(t, err, curd.ErrCodeMissingFields)
	logged, err := f.engine.LogDateValue(ctx, b.ID, "date", "2026-03-20")
	require.NoError(t, err)
	assert.Equal(t, "chamber2_entry_date", logged.Entry.Key)
	assert.Equal(t, "2026-03-20", logged.Batch.Chamber2EntryDate)
	assert.Equal(t, "2026-06-18", logged.Batch.MaturationEndDate)
	assert.Equal(t, batch.LifecycleMaturing, logged.Batch.LifecycleTag)

	f.advance(t, b.ID) // 12 -> 13
	final := f.advance(t, b.ID)
	assert.True(t, final.Completed)
	assert.Equal(t, 13, final.FromStage)
	assert.Equal(t, 14, final.ToStage)
	assert.Equal(t, batch.StatusCompleted, final.Batch.Status)
	require.NotNil(t, final.Batch.CompletedAt)
	assert.Empty(t, final.Batch.ActiveTimers)

	_, err = f.engine.Advance(ctx, AdvanceRequest{BatchID: b.ID})
	requireCode(t, err, curd.ErrCodeInvalidStatusTransition)

	snap, err := f.engine.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, snap.StageID)
	assert.Empty(t, snap.StageName)
	assert.Equal(t, "2026-06-18", snap.MaturationEndDate)

	assert.Equal(t, 10, metrics.advances[OutcomeAdvanced])
	assert.Equal(t, 1, metrics.advances[OutcomeCompleted])
	assert.Equal(t, 1, metrics.advances["timer_not_elapsed"])
}

func TestCorrectValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 8)

	_, err := f.engine.CorrectValue(ctx, b.ID, "ph", batch.NumberValue(6.0), "misread")
	requireCode(t, err, curd.ErrCodeValidationFailed)

	_, err = f.engine.LogValue(ctx, b.ID, "ph", 6.2)
	require.NoError(t, err)

	_, err = f.engine.CorrectValue(ctx, b.ID, "ph", batch.NumberValue(6.0), "")
	requireCode(t, err, curd.ErrCodeMissingReason)

	res, err := f.engine.CorrectValue(ctx, b.ID, "ph", batch.NumberValue(6.0), "misread")
	require.NoError(t, err)
	assert.True(t, res.Entry.Supersedes)
	assert.Equal(t, "molding_ph", res.Entry.Key)
	assert.Equal(t, 8, res.Entry.StageID)

	v, ok := res.Batch.Latest("molding_ph")
	require.True(t, ok)
	n, _ := v.Number()
	assert.Equal(t, 6.0, n)

	var entries []batch.MeasurementEntry
	for _, entry := range res.Batch.MeasurementLog {
		if entry.Key == "molding_ph" {
			entries = append(entries, entry)
		}
	}
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Supersedes)
	assert.Equal(t, "misread", entries[1].Reason)
}

func TestAcknowledgeReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 5)
	require.Len(t, b.ActiveReminders, 1)
	reminder := b.ActiveReminders[0]

	_, err := f.engine.AcknowledgeReminder(ctx, b.ID, "nope")
	meta := requireCode(t, err, curd.ErrCodeValidationFailed)
	assert.Equal(t, "nope", meta["reminder_id"])

	f.clock.Advance(16 * time.Minute)
	snap, err := f.engine.Status(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, snap.DueReminders, 1)

	acked, err := f.engine.AcknowledgeReminder(ctx, b.ID, reminder.ID)
	require.NoError(t, err)
	require.Len(t, acked.ActiveReminders, 1)
	assert.True(t, acked.ActiveReminders[0].NextTrigger.Equal(f.clock.Now().Add(15*time.Minute)))
	assert.False(t, acked.ActiveReminders[0].Acknowledged)
	assert.Equal(t, 0, acked.LoopIterations)

	snap, err = f.engine.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.DueReminders)
}

func TestAcknowledgeTurningReminderCountsIteration(t *testing.T) {
	f := newFixture(t)
	b := f.seedAt(t, 9)
	require.Len(t, b.ActiveReminders, 1)
	assert.Equal(t, "turning", b.ActiveReminders[0].Kind)

	acked, err := f.engine.AcknowledgeReminder(context.Background(), b.ID, b.ActiveReminders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, acked.LoopIterations)
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 4)

	f.clock.Advance(10 * time.Minute)
	snap, err := f.engine.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "inoculation", snap.StageName)
	assert.Equal(t, recipe.KindSequential, snap.StageKind)
	assert.Equal(t, 13, snap.TotalStages)
	assert.Equal(t, []string{"temperature"}, snap.MissingInputs)
	assert.Equal(t, 30.0, snap.Doses["rennet"])
	require.Len(t, snap.Timers, 1)
	assert.False(t, snap.Timers[0].Complete)
	assert.EqualValues(t, 1200, snap.Timers[0].RemainingSeconds)
	assert.NotEmpty(t, snap.Instructions)

	snap, err = f.engine.Status(ctx, f.seedAt(t, 9).ID)
	require.NoError(t, err)
	assert.Equal(t, "ph <= 5.3", snap.LoopCondition)
}

func TestStatusSnapshotDoesNotShareRecipeSlices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.seedAt(t, 5)

	snap, err := f.engine.Status(ctx, b.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Instructions)
	require.NotEmpty(t, snap.AllowedUtterances)
	snap.Instructions[0] = "overwritten"
	snap.AllowedUtterances[0] = "overwritten"

	def, ok := f.engine.catalog.Get("caciotta")
	require.True(t, ok)
	st, ok := def.Stage(5)
	require.True(t, ok)
	assert.NotContains(t, st.Instructions, "overwritten")
	assert.NotContains(t, st.AllowedUtterances, "overwritten")

	again, err := f.engine.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.Instructions, "overwritten")
}

func TestConcurrentAdvancesAreSerialized(t *testing.T) {
	f := newFixture(t)
	b := f.start(t)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		codes     []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Advance(context.Background(), AdvanceRequest{BatchID: b.ID})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			codes = append(codes, curd.Code(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, code := range codes {
		assert.Equal(t, curd.ErrCodeValidationFailed, code)
	}
	stored, err := f.engine.Batch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.CurrentStageID)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, 0, f.engine.locks.size())
}

// racingRepo bumps the stored version right before the first update, as
// a writer in another process would.
type racingRepo struct {
	store.Repository
	once sync.Once
}

func (r *racingRepo) UpdateBatch(ctx context.Context, id string, p batch.Patch, expected int) (*batch.Batch, error) {
	var err error
	r.once.Do(func() {
		_, err = r.Repository.UpdateBatch(ctx, id, batch.Patch{}, store.AnyVersion)
	})
	if err != nil {
		return nil, err
	}
	return r.Repository.UpdateBatch(ctx, id, p, expected)
}

func TestVersionConflictIsReported(t *testing.T) {
	f := newFixture(t)
	b := f.start(t)

	racing, err := New(f.engine.catalog, &racingRepo{Repository: f.repo}, WithClock(f.clock.Now))
	require.NoError(t, err)

	_, err = racing.Advance(context.Background(), AdvanceRequest{BatchID: b.ID})
	requireCode(t, err, curd.ErrCodeVersionConflict)

	stored, err := f.engine.Batch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentStageID)

	res, err := racing.Advance(context.Background(), AdvanceRequest{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ToStage)
}

type stubNotifier struct {
	mu        sync.Mutex
	next      int
	scheduled map[string]time.Time
	cancelled []string
}

func (n *stubNotifier) ScheduleReminder(_ context.Context, _ alerts.Capability, _ string, fireAt time.Time) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.scheduled == nil {
		n.scheduled = make(map[string]time.Time)
	}
	n.next++
	id := fmt.Sprintf("alert-%d", n.next)
	n.scheduled[id] = fireAt
	return id, nil
}

func (n *stubNotifier) CancelReminder(_ context.Context, _ alerts.Capability, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, id)
	delete(n.scheduled, id)
	return nil
}

func TestAlertsFollowStages(t *testing.T) {
	notifier := &stubNotifier{}
	clk := &testClock{now: startTime}
	coordinator := alerts.NewCoordinator(notifier,
		alerts.WithClock(clk.Now),
		alerts.WithRetry(1, time.Second, time.Millisecond),
	)
	catalog, err := recipe.Builtin()
	require.NoError(t, err)
	repo := store.NewMemory(store.WithClock(clk.Now))
	e, err := New(catalog, repo, WithClock(clk.Now), WithAlerts(coordinator))
	require.NoError(t, err)

	ctx := context.Background()
	grant := &alerts.Capability{Endpoint: "https://alerts.local", AccessToken: "token"}

	started, err := e.Start(ctx, StartRequest{Volume: ptr(100), Temperature: ptr(32), PH: ptr(6.6), Alerts: grant})
	require.NoError(t, err)
	assert.False(t, started.Alert.Scheduled, "heating has no wait")
	id := started.Batch.ID

	res, err := e.Advance(ctx, AdvanceRequest{BatchID: id, Alerts: grant})
	require.NoError(t, err)
	require.True(t, res.AlertScheduled)
	first := res.AlertID
	assert.True(t, notifier.scheduled[first].Equal(startTime.Add(30*time.Minute)))
	assert.Contains(t, res.Batch.ScheduledAlerts, batch.StageKey(4))

	_, err = e.LogValue(ctx, id, "temperature", 32)
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)
	res, err = e.Advance(ctx, AdvanceRequest{BatchID: id, Alerts: grant})
	require.NoError(t, err)
	require.True(t, res.AlertScheduled)

	assert.Equal(t, []string{first}, notifier.cancelled)
	assert.Len(t, res.Batch.ScheduledAlerts, 1)
	assert.Equal(t, res.AlertID, res.Batch.ScheduledAlerts[batch.StageKey(5)].ExternalID)

	// without a capability the engine asks for permission and keeps tracking
	clk.Advance(40 * time.Minute)
	res, err = e.Advance(ctx, AdvanceRequest{BatchID: id})
	require.NoError(t, err)
	assert.False(t, res.AlertScheduled)
	assert.Contains(t, res.Batch.ScheduledAlerts, batch.StageKey(5))

	cancelled, err := e.Cancel(ctx, id, "power cut", grant)
	require.NoError(t, err)
	assert.Empty(t, cancelled.ScheduledAlerts)
	assert.Len(t, notifier.cancelled, 2)
}

func TestAlertPermissionNeeded(t *testing.T) {
	notifier := &stubNotifier{}
	coordinator := alerts.NewCoordinator(notifier)
	f := newFixture(t, WithAlerts(coordinator))
	b := f.start(t)

	res, err := f.engine.Advance(context.Background(), AdvanceRequest{
		BatchID: b.ID,
		Alerts:  &alerts.Capability{Endpoint: "https://alerts.local"},
	})
	require.NoError(t, err)
	assert.True(t, res.AlertPermissionNeeded)
	assert.False(t, res.AlertScheduled)
	assert.Empty(t, notifier.scheduled)
}

// flakyRepo fails the UpdateBatch calls whose 1-based number is in failOn.
type flakyRepo struct {
	store.Repository
	calls  int
	failOn map[int]bool
}

func (r *flakyRepo) UpdateBatch(ctx context.Context, id string, p batch.Patch, expected int) (*batch.Batch, error) {
	r.calls++
	if r.failOn[r.calls] {
		return nil, curd.NewError(curd.ErrVersionConflict, "", map[string]any{"batch_id": id})
	}
	return r.Repository.UpdateBatch(ctx, id, p, expected)
}

func alertingEngine(t *testing.T, f *fixture, repo store.Repository) (*Engine, *stubNotifier) {
	t.Helper()
	notifier := &stubNotifier{scheduled: make(map[string]time.Time)}
	coordinator := alerts.NewCoordinator(notifier,
		alerts.WithClock(f.clock.Now),
		alerts.WithRetry(1, time.Second, time.Millisecond),
	)
	e, err := New(f.engine.catalog, repo, WithClock(f.clock.Now), WithAlerts(coordinator))
	require.NoError(t, err)
	return e, notifier
}

var testGrant = &alerts.Capability{Endpoint: "https://alerts.local", AccessToken: "token"}

func TestFailedAdvanceSchedulesNoAlert(t *testing.T) {
	f := newFixture(t)
	b := f.start(t)
	e, notifier := alertingEngine(t, f, &flakyRepo{Repository: f.repo, failOn: map[int]bool{1: true}})

	_, err := e.Advance(context.Background(), AdvanceRequest{BatchID: b.ID, Alerts: testGrant})
	requireCode(t, err, curd.ErrCodeVersionConflict)
	assert.Empty(t, notifier.scheduled)
	assert.Empty(t, notifier.cancelled)

	res, err := e.Advance(context.Background(), AdvanceRequest{BatchID: b.ID, Alerts: testGrant})
	require.NoError(t, err)
	require.True(t, res.AlertScheduled)
	assert.Len(t, notifier.scheduled, 1, "a retried advance leaves exactly one live alert")
	assert.Equal(t, res.AlertID, res.Batch.ScheduledAlerts[batch.StageKey(4)].ExternalID)
}

func TestUnsavedAlertTrackingCancelsNewAlert(t *testing.T) {
	f := newFixture(t)
	b := f.start(t)
	e, notifier := alertingEngine(t, f, &flakyRepo{Repository: f.repo, failOn: map[int]bool{2: true}})

	res, err := e.Advance(context.Background(), AdvanceRequest{BatchID: b.ID, Alerts: testGrant})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ToStage)
	assert.False(t, res.AlertScheduled)
	assert.Empty(t, res.AlertID)

	assert.Empty(t, notifier.scheduled, "no live alert is left untracked")
	assert.Len(t, notifier.cancelled, 1)

	stored, err := f.engine.Batch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.CurrentStageID)
	assert.Empty(t, stored.ScheduledAlerts)
}

func TestFailedCancelKeepsAlertTracked(t *testing.T) {
	f := newFixture(t)
	b := f.start(t)
	e, notifier := alertingEngine(t, f, f.repo)
	res, err := e.Advance(context.Background(), AdvanceRequest{BatchID: b.ID, Alerts: testGrant})
	require.NoError(t, err)
	require.True(t, res.AlertScheduled)

	flaky, flakyNotifier := alertingEngine(t, f, &flakyRepo{Repository: f.repo, failOn: map[int]bool{1: true}})
	_, err = flaky.Cancel(context.Background(), b.ID, "power cut", testGrant)
	requireCode(t, err, curd.ErrCodeVersionConflict)
	assert.Empty(t, flakyNotifier.cancelled)

	stored, err := f.engine.Batch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusActive, stored.Status)
	assert.Equal(t, res.AlertID, stored.ScheduledAlerts[batch.StageKey(4)].ExternalID)
	assert.Contains(t, notifier.scheduled, res.AlertID)

	logs, err := f.engine.History(context.Background(), b.ID)
	require.NoError(t, err)
	for _, entry := range logs {
		assert.NotEqual(t, LogActionCancel, entry.Action)
	}
}
