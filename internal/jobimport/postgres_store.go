package jobimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresJobsTableName       = "jobimport_jobs"
	postgresImportLogsTableName = "jobimport_import_logs"
	postgresStoreMaxConns       = 8
)

// PostgresStore persists records through a single ON CONFLICT statement, so
// concurrent upserts of the same identifier never produce duplicate rows.
type PostgresStore struct {
	pool      *pgxpool.Pool
	jobsTable string
	logsTable string
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	return newPostgresStore(ctx, dsn, postgresJobsTableName, postgresImportLogsTableName)
}

func newPostgresStore(ctx context.Context, dsn, jobsTable, logsTable string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns < postgresStoreMaxConns {
		cfg.MaxConns = postgresStoreMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{
		pool:      pool,
		jobsTable: postgresQuoteIdentifier(jobsTable),
		logsTable: postgresQuoteIdentifier(logsTable),
	}
	if err := s.ensureSchema(ctx, logsTable+"_ts_idx"); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context, tsIndex string) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				job_id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				company TEXT NOT NULL,
				location TEXT NOT NULL,
				description TEXT NOT NULL,
				url TEXT NOT NULL,
				category TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`, s.jobsTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				file_name TEXT NOT NULL,
				ts TIMESTAMPTZ NOT NULL,
				total_received INTEGER NOT NULL,
				total_fetched INTEGER NOT NULL,
				total_imported INTEGER NOT NULL,
				new_jobs INTEGER NOT NULL,
				updated_jobs INTEGER NOT NULL,
				failed_jobs JSONB NOT NULL
			)`, s.logsTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (ts DESC)",
			postgresQuoteIdentifier(tsIndex), s.logsTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, record Record) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, title, company, location, description, url, category, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			title = EXCLUDED.title,
			company = EXCLUDED.company,
			location = EXCLUDED.location,
			description = EXCLUDED.description,
			url = EXCLUDED.url,
			category = EXCLUDED.category,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`, s.jobsTable)
	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		record.ID, record.Title, record.Company, record.Location, record.Description,
		record.URL, record.Category, record.CreatedAt.UTC(), record.UpdatedAt.UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (Record, error) {
	query := fmt.Sprintf(`
		SELECT job_id, title, company, location, description, url, category, created_at, updated_at
		FROM %s WHERE job_id = $1`, s.jobsTable)
	var r Record
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Title, &r.Company, &r.Location, &r.Description, &r.URL, &r.Category, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *PostgresStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.jobsTable)).Scan(&n)
	return n, err
}

func (s *PostgresStore) AppendSummary(ctx context.Context, summary Summary) error {
	failures, err := json.Marshal(nonNilFailures(summary.Failures))
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, file_name, ts, total_received, total_fetched, total_imported, new_jobs, updated_jobs, failed_jobs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`, s.logsTable)
	_, err = s.pool.Exec(ctx, query,
		summary.ID, summary.Source, summary.Timestamp.UTC(),
		summary.Received, summary.Fetched, summary.Imported, summary.New, summary.Updated, string(failures))
	if err != nil {
		return fmt.Errorf("insert import log: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSummaries(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
		SELECT id, file_name, ts, total_received, total_fetched, total_imported, new_jobs, updated_jobs, failed_jobs::text
		FROM %s ORDER BY ts DESC, seq DESC LIMIT $1`, s.logsTable)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sm Summary
		var failures string
		if err := rows.Scan(&sm.ID, &sm.Source, &sm.Timestamp, &sm.Received, &sm.Fetched, &sm.Imported, &sm.New, &sm.Updated, &failures); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(failures), &sm.Failures); err != nil {
			return nil, fmt.Errorf("decode failed jobs for %s: %w", sm.ID, err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
