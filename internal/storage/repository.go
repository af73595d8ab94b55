package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS push_batches (
        id          UUID PRIMARY KEY,
        publisher   TEXT NOT NULL,
        target      TEXT NOT NULL,
        endpoint    TEXT NOT NULL DEFAULT '',
        status      TEXT NOT NULL,
        entries     INTEGER NOT NULL,
        pairs       TEXT[] NOT NULL DEFAULT '{}',
        tx_hashes   TEXT[] NOT NULL DEFAULT '{}',
        attempts    INTEGER NOT NULL DEFAULT 1,
        error       TEXT,
        started_at  TIMESTAMPTZ NOT NULL,
        duration_ms BIGINT NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS push_batches_created_at_idx ON push_batches (created_at DESC);`

	insertPushBatchSQL = `INSERT INTO push_batches (
        id,
        publisher,
        target,
        endpoint,
        status,
        entries,
        pairs,
        tx_hashes,
        attempts,
        error,
        started_at,
        duration_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    RETURNING created_at;`

	listRecentPushBatchesSQL = `SELECT
        id,
        publisher,
        target,
        endpoint,
        status,
        entries,
        pairs,
        tx_hashes,
        attempts,
        error,
        started_at,
        duration_ms,
        created_at
    FROM push_batches
    ORDER BY created_at DESC
    LIMIT $1;`

	countPushBatchesSQL = `SELECT status, COUNT(*) FROM push_batches GROUP BY status;`

	deletePushBatchesBeforeSQL = `DELETE FROM push_batches WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PushBatchStore defines operations for push auditing.
type PushBatchStore interface {
	InsertPushBatch(ctx context.Context, batch PushBatch) (PushBatch, error)
	ListRecentPushBatches(ctx context.Context, limit int) ([]PushBatch, error)
	CountPushBatches(ctx context.Context) (map[string]int64, error)
	DeletePushBatchesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists push batches.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the audit table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort, the session lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertPushBatch persists one push attempt. A zero ID is replaced by a new one.
func (s *Store) InsertPushBatch(ctx context.Context, batch PushBatch) (PushBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return PushBatch{}, err
	}
	batch = normalizeBatch(batch)

	var errMsg interface{}
	if batch.Error != nil {
		errMsg = *batch.Error
	}

	row := pool.QueryRow(ctx, insertPushBatchSQL,
		batch.ID,
		batch.Publisher,
		batch.Target,
		batch.Endpoint,
		batch.Status,
		batch.Entries,
		batch.Pairs,
		batch.TxHashes,
		batch.Attempts,
		errMsg,
		batch.StartedAt,
		batch.Duration.Milliseconds(),
	)
	if scanErr := row.Scan(&batch.CreatedAt); scanErr != nil {
		return PushBatch{}, fmt.Errorf("insert push batch: %w", scanErr)
	}
	return batch, nil
}

// ListRecentPushBatches lists the most recent batches, newest first.
func (s *Store) ListRecentPushBatches(ctx context.Context, limit int) ([]PushBatch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPushBatchesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent push batches: %w", queryErr)
	}
	defer rows.Close()

	batches := make([]PushBatch, 0, limit)
	for rows.Next() {
		batch, scanErr := scanPushBatch(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		batches = append(batches, batch)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return batches, nil
}

// CountPushBatches counts stored batches per status.
func (s *Store) CountPushBatches(ctx context.Context) (map[string]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countPushBatchesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("count push batches: %w", queryErr)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// DeletePushBatchesBefore prunes old audit rows.
func (s *Store) DeletePushBatchesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deletePushBatchesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete push batches before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanPushBatch(rows pgx.Rows) (PushBatch, error) {
	var (
		batch      PushBatch
		errMsg     pgtype.Text
		durationMS int64
	)
	if err := rows.Scan(
		&batch.ID,
		&batch.Publisher,
		&batch.Target,
		&batch.Endpoint,
		&batch.Status,
		&batch.Entries,
		&batch.Pairs,
		&batch.TxHashes,
		&batch.Attempts,
		&errMsg,
		&batch.StartedAt,
		&durationMS,
		&batch.CreatedAt,
	); err != nil {
		return PushBatch{}, err
	}

	batch.Duration = time.Duration(durationMS) * time.Millisecond
	if errMsg.Valid {
		msg := errMsg.String
		batch.Error = &msg
	}
	return batch, nil
}
