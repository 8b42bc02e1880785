package jobimport

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps records and summaries in one database file. A single
// connection serializes writers, which makes the read-then-write upsert
// atomic.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  company TEXT NOT NULL,
  location TEXT NOT NULL,
  description TEXT NOT NULL,
  url TEXT NOT NULL,
  category TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS import_logs (
  id TEXT PRIMARY KEY,
  file_name TEXT NOT NULL,
  ts TEXT NOT NULL,
  total_received INTEGER NOT NULL,
  total_fetched INTEGER NOT NULL,
  total_imported INTEGER NOT NULL,
  new_jobs INTEGER NOT NULL,
  updated_jobs INTEGER NOT NULL,
  failed_jobs TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS import_logs_ts_idx ON import_logs (ts DESC);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, record Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, record.ID).Scan(&exists)
	inserted := errors.Is(err, sql.ErrNoRows)
	if err != nil && !inserted {
		return false, err
	}
	updatedAt := record.UpdatedAt.UTC().Format(sqliteTimeLayout)
	if inserted {
		_, err = tx.ExecContext(ctx, `
INSERT INTO jobs (job_id, title, company, location, description, url, category, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.Title, record.Company, record.Location, record.Description,
			record.URL, record.Category, record.CreatedAt.UTC().Format(sqliteTimeLayout), updatedAt)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET title = ?, company = ?, location = ?, description = ?, url = ?, category = ?, updated_at = ?
WHERE job_id = ?`,
			record.Title, record.Company, record.Location, record.Description,
			record.URL, record.Category, updatedAt, record.ID)
	}
	if err != nil {
		return false, fmt.Errorf("upsert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	committed = true
	return inserted, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (Record, error) {
	var r Record
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
SELECT job_id, title, company, location, description, url, category, created_at, updated_at
FROM jobs WHERE job_id = ?`, id).Scan(
		&r.ID, &r.Title, &r.Company, &r.Location, &r.Description, &r.URL, &r.Category, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if r.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return Record{}, fmt.Errorf("decode created_at for job %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return Record{}, fmt.Errorf("decode updated_at for job %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *SQLiteStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) AppendSummary(ctx context.Context, summary Summary) error {
	failures, err := json.Marshal(nonNilFailures(summary.Failures))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO import_logs (id, file_name, ts, total_received, total_fetched, total_imported, new_jobs, updated_jobs, failed_jobs)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.Source, summary.Timestamp.UTC().Format(sqliteTimeLayout),
		summary.Received, summary.Fetched, summary.Imported, summary.New, summary.Updated, string(failures))
	if err != nil {
		return fmt.Errorf("insert import log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentSummaries(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, file_name, ts, total_received, total_fetched, total_imported, new_jobs, updated_jobs, failed_jobs
FROM import_logs ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sm Summary
		var ts, failures string
		if err := rows.Scan(&sm.ID, &sm.Source, &ts, &sm.Received, &sm.Fetched, &sm.Imported, &sm.New, &sm.Updated, &failures); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("decode timestamp for %s: %w", sm.ID, err)
		}
		sm.Timestamp = parsed
		if err := json.Unmarshal([]byte(failures), &sm.Failures); err != nil {
			return nil, fmt.Errorf("decode failed jobs for %s: %w", sm.ID, err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNilFailures(in []FailureEntry) []FailureEntry {
	if in == nil {
		return []FailureEntry{}
	}
	return in
}
