// Package store persists batches and their action log. Every backend
// merges partial updates server side and rejects writes made against a
// stale version.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-curd"
	"github.com/goliatone/go-curd/batch"
)

// AnyVersion skips the optimistic version check on UpdateBatch.
const AnyVersion = 0

// Repository is the persistence collaborator of the engine.
type Repository interface {
	GetBatch(ctx context.Context, id string) (*batch.Batch, error)
	CreateBatch(ctx context.Context, b *batch.Batch) (*batch.Batch, error)
	UpdateBatch(ctx context.Context, id string, patch batch.Patch, expectedVersion int) (*batch.Batch, error)
	AppendLog(ctx context.Context, entry batch.LogEntry) error
	ListLogs(ctx context.Context, batchID string) ([]batch.LogEntry, error)
	PruneLogs(ctx context.Context, before time.Time) (int, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	now       func() time.Time
	keyPrefix string
	ttl       time.Duration
}

// WithClock overrides the time source used for UpdatedAt and log stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithKeyPrefix namespaces redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithTTL expires redis records; zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:       func() time.Time { return time.Now().UTC() },
		keyPrefix: "curd:",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func notFound(id string) error {
	return curd.NewError(curd.ErrBatchNotFound, "", map[string]any{"batch_id": id})
}

func versionConflict(id string, expected, actual int) error {
	return curd.NewError(curd.ErrVersionConflict, "", map[string]any{
		"batch_id":         id,
		"expected_version": expected,
		"actual_version":   actual,
	})
}

// prepareCreate assigns an id when missing and starts the version at 1.
func prepareCreate(b *batch.Batch, now time.Time) (*batch.Batch, error) {
	if b == nil {
		return nil, curd.NewError(curd.ErrMissingFields, "batch required", nil)
	}
	rec := b.Clone()
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return rec, nil
}

// applyUpdate merges patch into a copy of current after the version check.
func applyUpdate(current *batch.Batch, id string, patch batch.Patch, expectedVersion int, now time.Time) (*batch.Batch, error) {
	if current == nil {
		return nil, notFound(id)
	}
	if expectedVersion > AnyVersion && current.Version != expectedVersion {
		return nil, versionConflict(id, expectedVersion, current.Version)
	}
	next := current.Clone()
	patch.Apply(next, now)
	next.Version = current.Version + 1
	return next, nil
}

func prepareLog(entry batch.LogEntry, now time.Time) batch.LogEntry {
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	return entry
}

const tsLayout = "2006-01-02T15:04:05.000000000Z"

// formatTimestamp renders a fixed width UTC stamp so text columns sort
// chronologically.
func formatTimestamp(value time.Time) string {
	return value.UTC().Format(tsLayout)
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(tsLayout, value)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339Nano, value); err != nil {
			return time.Time{}, false
		}
	}
	return ts.UTC(), true
}
