package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-curd/batch"
)

// RedisClient captures the minimal commands needed from a redis client.
// A missing key reads as "" with a nil error.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

// RedisSwapper is implemented by clients that can replace a key only while
// it still holds the value read before. old is "" for a missing key.
type RedisSwapper interface {
	CompareAndSet(ctx context.Context, key, old, value string, expiration time.Duration) (bool, error)
}

// Redis persists batches as JSON documents. Read/compare/write is
// serialized per process. Batch writes go through RedisSwapper when the
// client implements it, so a writer from another process that changed the
// record in between is reported as a version conflict. With a plain
// RedisClient the last cross-process writer wins.
type Redis struct {
	client RedisClient
	opts   options
	mu     sync.Mutex
}

// NewRedis builds a store on client.
func NewRedis(client RedisClient, opts ...Option) *Redis {
	return &Redis{client: client, opts: buildOptions(opts)}
}

func (s *Redis) batchKey(id string) string { return s.opts.keyPrefix + "batch:" + id }
func (s *Redis) logKey(id string) string   { return s.opts.keyPrefix + "log:" + id }
func (s *Redis) logIndexKey() string       { return s.opts.keyPrefix + "log_index" }

func (s *Redis) configured() error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	return nil
}

func (s *Redis) load(ctx context.Context, id string) (*batch.Batch, error) {
	b, _, err := s.loadRaw(ctx, id)
	return b, err
}

// loadRaw also returns the stored document for a later compare-and-set.
func (s *Redis) loadRaw(ctx context.Context, id string) (*batch.Batch, string, error) {
	value, err := s.client.Get(ctx, s.batchKey(id))
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(value) == "" {
		return nil, "", nil
	}
	var b batch.Batch
	if err := json.Unmarshal([]byte(value), &b); err != nil {
		return nil, "", fmt.Errorf("decode batch %s: %w", id, err)
	}
	return &b, value, nil
}

// save writes b if the key still holds old. expected is only used to
// describe a lost race.
func (s *Redis) save(ctx context.Context, b *batch.Batch, old string, expected int) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	swapper, ok := s.client.(RedisSwapper)
	if !ok {
		return s.client.Set(ctx, s.batchKey(b.ID), string(payload), s.opts.ttl)
	}
	swapped, err := swapper.CompareAndSet(ctx, s.batchKey(b.ID), old, string(payload), s.opts.ttl)
	if err != nil {
		return err
	}
	if swapped {
		return nil
	}
	actual := 0
	if current, err := s.load(ctx, b.ID); err == nil && current != nil {
		actual = current.Version
	}
	return versionConflict(b.ID, expected, actual)
}

// GetBatch reads one batch.
func (s *Redis) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	b, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, notFound(id)
	}
	return b, nil
}

// CreateBatch stores a new batch at version 1.
func (s *Redis) CreateBatch(ctx context.Context, b *batch.Batch) (*batch.Batch, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	rec, err := prepareCreate(b, s.opts.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.load(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, versionConflict(rec.ID, 0, current.Version)
	}
	if err := s.save(ctx, rec, "", 0); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateBatch merges patch using read/compare/write semantics.
func (s *Redis) UpdateBatch(ctx context.Context, id string, patch batch.Patch, expectedVersion int) (*batch.Batch, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, raw, err := s.loadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyUpdate(current, id, patch, expectedVersion, s.opts.now())
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, next, raw, current.Version); err != nil {
		return nil, err
	}
	return next, nil
}

// AppendLog appends to the batch's log document and indexes the batch id
// for pruning.
func (s *Redis) AppendLog(ctx context.Context, entry batch.LogEntry) error {
	if err := s.configured(); err != nil {
		return err
	}
	entry = prepareLog(entry, s.opts.now())
	s.mu.Lock()
	defer s.mu.Unlock()

	logs, err := s.readLogs(ctx, entry.BatchID)
	if err != nil {
		return err
	}
	if err := s.writeLogs(ctx, entry.BatchID, append(logs, entry)); err != nil {
		return err
	}
	index, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(index, entry.BatchID) {
		return s.writeJSON(ctx, s.logIndexKey(), append(index, entry.BatchID))
	}
	return nil
}

// ListLogs returns one batch's entries in insertion order.
func (s *Redis) ListLogs(ctx context.Context, batchID string) ([]batch.LogEntry, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLogs(ctx, batchID)
}

// PruneLogs drops entries stamped before the cutoff across every indexed
// batch.
func (s *Redis) PruneLogs(ctx context.Context, before time.Time) (int, error) {
	if err := s.configured(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	kept := index[:0]
	for _, id := range index {
		logs, err := s.readLogs(ctx, id)
		if err != nil {
			return removed, err
		}
		n := len(logs)
		logs = slices.DeleteFunc(logs, func(entry batch.LogEntry) bool {
			return entry.Timestamp.Before(before)
		})
		removed += n - len(logs)
		if n != len(logs) {
			if err := s.writeLogs(ctx, id, logs); err != nil {
				return removed, err
			}
		}
		if len(logs) > 0 {
			kept = append(kept, id)
		}
	}
	return removed, s.writeJSON(ctx, s.logIndexKey(), kept)
}

func (s *Redis) readLogs(ctx context.Context, batchID string) ([]batch.LogEntry, error) {
	var logs []batch.LogEntry
	if err := s.readJSON(ctx, s.logKey(batchID), &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Redis) writeLogs(ctx context.Context, batchID string, logs []batch.LogEntry) error {
	return s.writeJSON(ctx, s.logKey(batchID), logs)
}

func (s *Redis) readIndex(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.readJSON(ctx, s.logIndexKey(), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Redis) readJSON(ctx context.Context, key string, out any) error {
	value, err := s.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return json.Unmarshal([]byte(value), out)
}

func (s *Redis) writeJSON(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, string(payload), 0)
}

// GoRedis adapts a go-redis client to RedisClient.
type GoRedis struct {
	rdb goredis.UniversalClient
}

// NewGoRedis wraps an existing client.
func NewGoRedis(rdb goredis.UniversalClient) *GoRedis {
	return &GoRedis{rdb: rdb}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr string) (*GoRedis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &GoRedis{rdb: rdb}, nil
}

// Get maps redis.Nil to an empty value.
func (c *GoRedis) Get(ctx context.Context, key string) (string, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return value, err
}

// Set writes value with an optional expiration.
func (c *GoRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return c.rdb.Set(ctx, key, value, expiration).Err()
}

var errSwapLost = errors.New("redis: value changed")

// CompareAndSet runs GET and SET inside WATCH/MULTI so the write only
// lands while key still holds old.
func (c *GoRedis) CompareAndSet(ctx context.Context, key, old, value string, expiration time.Duration) (bool, error) {
	err := c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			current = ""
		} else if err != nil {
			return err
		}
		if current != old {
			return errSwapLost
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, value, expiration)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errSwapLost), errors.Is(err, goredis.TxFailedErr):
		return false, nil
	}
	return false, err
}

// Close releases the connection pool.
func (c *GoRedis) Close() error { return c.rdb.Close() }
