package housekeeping

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-curd/batch"
	"github.com/goliatone/go-curd/cron"
	"github.com/goliatone/go-curd/store"
)

type failingPruner struct{}

func (failingPruner) PruneLogs(context.Context, time.Time) (int, error) {
	return 0, fmt.Errorf("database is locked")
}

func TestRetentionPrunesOldEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 3, 15, 0, 0, time.UTC)
	repo := store.NewMemory()

	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 2 * time.Hour} {
		require.NoError(t, repo.AppendLog(ctx, batch.LogEntry{
			BatchID:   "b-1",
			StageID:   3,
			Action:    "advance",
			Timestamp: now.Add(-age),
		}))
	}

	var observed int
	r, err := NewRetention(repo, 30,
		WithClock(func() time.Time { return now }),
		WithPruneObserver(func(n int) { observed = n }),
	)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*24*time.Hour), r.Cutoff())

	require.NoError(t, r.Run(ctx))
	assert.Equal(t, 2, observed)

	logs, err := repo.ListLogs(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, now.Add(-2*time.Hour), logs[0].Timestamp)
}

func TestRetentionPropagatesPruneErrors(t *testing.T) {
	r, err := NewRetention(failingPruner{}, 7)
	require.NoError(t, err)
	assert.Error(t, r.Run(context.Background()))
}

func TestNewRetentionValidates(t *testing.T) {
	_, err := NewRetention(nil, 30)
	assert.Error(t, err)

	_, err = NewRetention(store.NewMemory(), 0)
	assert.Error(t, err)
}

type countingPruner struct {
	calls atomic.Int32
}

func (c *countingPruner) PruneLogs(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestRetentionRegistersOnScheduler(t *testing.T) {
	pruner := &countingPruner{}
	r, err := NewRetention(pruner, 30)
	require.NoError(t, err)

	scheduler := cron.NewScheduler()
	handle, err := r.Register(scheduler, "@every 1s", cron.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop(context.Background())

	assert.Eventually(t, func() bool { return pruner.calls.Load() > 0 }, 2500*time.Millisecond, 20*time.Millisecond)
	assert.NotEqual(t, cron.StatusFailed, handle.Status())
}
