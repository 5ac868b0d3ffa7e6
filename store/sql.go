package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/goliatone/go-curd/batch"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name     string
	Driver   string
	JSONType string
	Numbered bool
}

var (
	SQLiteDialect   = Dialect{Name: "sqlite", Driver: "sqlite", JSONType: "TEXT"}
	PostgresDialect = Dialect{Name: "postgres", Driver: "pgx", JSONType: "JSONB", Numbered: true}
)

// rebind rewrites ? placeholders to $n for numbered dialects.
func (d Dialect) rebind(q string) string {
	if !d.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQL persists batches as a versioned JSON payload row plus an action log
// table.
type SQL struct {
	db       *sql.DB
	dialect  Dialect
	table    string
	logTable string
	opts     options
}

// OpenSQLite opens path with the modernc driver. ":memory:" is pinned to a
// single connection so every query sees the same database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQL, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}
	db, err := sql.Open(SQLiteDialect.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQL(ctx, db, SQLiteDialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens dsn through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQL, error) {
	db, err := sql.Open(PostgresDialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewSQL(ctx, db, PostgresDialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open handle and ensures the schema exists.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*SQL, error) {
	if db == nil {
		return nil, errors.New("sql store: db required")
	}
	s := &SQL{
		db:       db,
		dialect:  dialect,
		table:    "curd_batches",
		logTable: "curd_action_log",
		opts:     buildOptions(opts),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for callers that manage its lifetime.
func (s *SQL) DB() *sql.DB { return s.db }

// Close releases the handle.
func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) ensureSchema(ctx context.Context) error {
	batchesDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		recipe_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload %s NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.table, s.dialect.JSONType)
	if _, err := s.db.ExecContext(ctx, batchesDDL); err != nil {
		return fmt.Errorf("ensure batches table: %w", err)
	}
	logDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		stage_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		details %s,
		ts TEXT NOT NULL
	)`, s.logTable, s.dialect.JSONType)
	if _, err := s.db.ExecContext(ctx, logDDL); err != nil {
		return fmt.Errorf("ensure action log table: %w", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_batch_idx ON %s (batch_id, ts)`, s.logTable, s.logTable)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("ensure action log index: %w", err)
	}
	return nil
}

type sqlQueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) load(ctx context.Context, q sqlQueryRower, id string) (*batch.Batch, error) {
	query := s.dialect.rebind(fmt.Sprintf(`SELECT payload, version FROM %s WHERE id = ?`, s.table))
	var payload []byte
	var version int
	err := q.QueryRowContext(ctx, query, id).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b batch.Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", id, err)
	}
	b.Version = version
	return &b, nil
}

// GetBatch reads one batch.
func (s *SQL) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	id = strings.TrimSpace(id)
	b, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, notFound(id)
	}
	return b, nil
}

// CreateBatch inserts a new row at version 1.
func (s *SQL) CreateBatch(ctx context.Context, b *batch.Batch) (*batch.Batch, error) {
	rec, err := prepareCreate(b, s.opts.now())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	q := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (id, recipe_id, status, version, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`, s.table))
	result, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.RecipeID,
		string(rec.Status),
		rec.Version,
		string(payload),
		formatTimestamp(rec.CreatedAt),
		formatTimestamp(rec.UpdatedAt),
	)
	if err != nil {
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, versionConflict(rec.ID, 0, 1)
	}
	return rec, nil
}

// UpdateBatch reads, merges and writes back inside one transaction; the
// UPDATE is guarded by the version read so a concurrent writer loses.
func (s *SQL) UpdateBatch(ctx context.Context, id string, patch batch.Patch, expectedVersion int) (*batch.Batch, error) {
	id = strings.TrimSpace(id)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyUpdate(current, id, patch, expectedVersion, s.opts.now())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	q := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET status = ?, version = ?, payload = ?, updated_at = ?
		WHERE id = ? AND version = ?`, s.table))
	result, err := tx.ExecContext(ctx, q,
		string(next.Status),
		next.Version,
		string(payload),
		formatTimestamp(next.UpdatedAt),
		id,
		current.Version,
	)
	if err != nil {
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, versionConflict(id, current.Version, -1)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// AppendLog inserts an action log row.
func (s *SQL) AppendLog(ctx context.Context, entry batch.LogEntry) error {
	entry = prepareLog(entry, s.opts.now())
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	q := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (id, batch_id, stage_id, action, details, ts) VALUES (?, ?, ?, ?, ?, ?)`, s.logTable))
	_, err = s.db.ExecContext(ctx, q,
		entry.ID,
		entry.BatchID,
		entry.StageID,
		entry.Action,
		string(details),
		formatTimestamp(entry.Timestamp),
	)
	return err
}

// ListLogs returns one batch's entries oldest first.
func (s *SQL) ListLogs(ctx context.Context, batchID string) ([]batch.LogEntry, error) {
	q := s.dialect.rebind(fmt.Sprintf(`SELECT id, batch_id, stage_id, action, details, ts FROM %s WHERE batch_id = ? ORDER BY ts, id`, s.logTable))
	rows, err := s.db.QueryContext(ctx, q, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []batch.LogEntry
	for rows.Next() {
		var entry batch.LogEntry
		var details []byte
		var ts string
		if err := rows.Scan(&entry.ID, &entry.BatchID, &entry.StageID, &entry.Action, &details, &ts); err != nil {
			return nil, err
		}
		if len(details) > 0 && string(details) != "null" {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode log %s: %w", entry.ID, err)
			}
		}
		entry.Timestamp, _ = parseTimestamp(ts)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PruneLogs deletes rows stamped before the cutoff.
func (s *SQL) PruneLogs(ctx context.Context, before time.Time) (int, error) {
	q := s.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE ts < ?`, s.logTable))
	result, err := s.db.ExecContext(ctx, q, formatTimestamp(before))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
