package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-curd/batch"
)

// Memory is a thread safe in-process repository.
type Memory struct {
	mu      sync.RWMutex
	batches map[string]*batch.Batch
	logs    []batch.LogEntry
	opts    options
}

// NewMemory constructs an empty store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		batches: make(map[string]*batch.Batch),
		opts:    buildOptions(opts),
	}
}

// GetBatch returns a copy of the stored batch.
func (m *Memory) GetBatch(_ context.Context, id string) (*batch.Batch, error) {
	id = strings.TrimSpace(id)
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, notFound(id)
	}
	return b.Clone(), nil
}

// CreateBatch stores a new batch at version 1.
func (m *Memory) CreateBatch(_ context.Context, b *batch.Batch) (*batch.Batch, error) {
	rec, err := prepareCreate(b, m.opts.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, exists := m.batches[rec.ID]; exists {
		return nil, versionConflict(rec.ID, 0, current.Version)
	}
	m.batches[rec.ID] = rec
	return rec.Clone(), nil
}

// UpdateBatch merges patch under the write lock.
func (m *Memory) UpdateBatch(_ context.Context, id string, patch batch.Patch, expectedVersion int) (*batch.Batch, error) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := applyUpdate(m.batches[id], id, patch, expectedVersion, m.opts.now())
	if err != nil {
		return nil, err
	}
	m.batches[id] = next
	return next.Clone(), nil
}

// AppendLog records an action log entry.
func (m *Memory) AppendLog(_ context.Context, entry batch.LogEntry) error {
	entry = prepareLog(entry, m.opts.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

// ListLogs returns the entries of one batch in insertion order.
func (m *Memory) ListLogs(_ context.Context, batchID string) ([]batch.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []batch.LogEntry
	for _, entry := range m.logs {
		if entry.BatchID == batchID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// PruneLogs drops entries stamped before the cutoff.
func (m *Memory) PruneLogs(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.logs)
	m.logs = slices.DeleteFunc(m.logs, func(entry batch.LogEntry) bool {
		return entry.Timestamp.Before(before)
	})
	return n - len(m.logs), nil
}
