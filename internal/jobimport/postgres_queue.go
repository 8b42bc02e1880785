package jobimport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresUnitQueueTableName  = "jobimport_unit_queue"
	postgresQueueKey            = "default"
	postgresOperationTimeout    = 5 * time.Second
	postgresQueuePollInterval   = 50 * time.Millisecond
	defaultQueueVisibilityDelay = 5 * time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresUnitQueue leases rows instead of deleting them on dequeue. A lease
// that is not acknowledged before the visibility timeout expires makes the
// unit visible to consumers again.
type PostgresUnitQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	visibility   time.Duration
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresUnitQueue(dsn string, capacity int, visibility time.Duration) (UnitQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	if visibility <= 0 {
		visibility = defaultQueueVisibilityDelay
	}
	return &PostgresUnitQueue{
		dsn:          dsn,
		tableName:    postgresUnitQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		visibility:   visibility,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresUnitQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				leased_until TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresUnitQueue) TryEnqueue(payload []byte) bool {
	if q == nil || len(payload) == 0 {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresUnitQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	if q == nil {
		return Delivery{}, false
	}
	for {
		d, ok := q.tryLease(ctx)
		if ok {
			return d, true
		}
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresUnitQueue) tryLease(ctx context.Context) (Delivery, bool) {
	if err := q.ensureReady(); err != nil {
		return Delivery{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Delivery{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload, attempts
		FROM %s
		WHERE queue_key = $1 AND (leased_until IS NULL OR leased_until < NOW())
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	var attempts int
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false
	}
	if err != nil {
		return Delivery{}, false
	}
	leaseQuery := fmt.Sprintf(`
		UPDATE %s
		SET attempts = attempts + 1,
			leased_until = NOW() + ($2 * INTERVAL '1 millisecond')
		WHERE id = $1`, postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, leaseQuery, id, q.visibility.Milliseconds()); err != nil {
		return Delivery{}, false
	}
	if err := tx.Commit(); err != nil {
		return Delivery{}, false
	}
	committed = true
	return Delivery{ID: strconv.FormatInt(id, 10), Payload: []byte(payload), Attempt: attempts + 1}, true
}

func (q *PostgresUnitQueue) Ack(d Delivery) error {
	return q.finish(d, fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName)))
}

func (q *PostgresUnitQueue) Nack(d Delivery) error {
	return q.finish(d, fmt.Sprintf("UPDATE %s SET leased_until = NULL WHERE id = $1", postgresQuoteIdentifier(q.tableName)))
}

func (q *PostgresUnitQueue) finish(d Delivery, query string) error {
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: delivery id %q", ErrInvalidInput, d.ID)
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	res, err := q.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresUnitQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1 AND leased_until IS NULL", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresUnitQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresUnitQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
