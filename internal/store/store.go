// Package store archives run records outside the process: PostgreSQL keeps
// the full history, Redis mirrors the most recent records for dashboards.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/orchestrator"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ orchestrator.RecordSink = (*Store)(nil)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS run_records (
        session      TEXT        NOT NULL,
        seq          BIGINT      NOT NULL,
        subject      TEXT        NOT NULL,
        subject_name TEXT        NOT NULL,
        variant      TEXT        NOT NULL DEFAULT '',
        variant_name TEXT        NOT NULL DEFAULT '',
        rank         TEXT        NOT NULL DEFAULT '',
        status       TEXT        NOT NULL,
        message      TEXT        NOT NULL DEFAULT '',
        started_at   TIMESTAMPTZ NOT NULL,
        finished_at  TIMESTAMPTZ,
        PRIMARY KEY (session, seq)
    );`,
	`CREATE INDEX IF NOT EXISTS run_records_started_at_idx ON run_records (started_at DESC);`,
}

const sqlUpsertRecord = `
        INSERT INTO run_records (session, seq, subject, subject_name, variant, variant_name, rank, status, message, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (session, seq) DO UPDATE SET
            rank = EXCLUDED.rank,
            status = EXCLUDED.status,
            message = EXCLUDED.message,
            finished_at = EXCLUDED.finished_at;
    `

const sqlRecentRecords = `
        SELECT session, seq, subject, subject_name, variant, variant_name, rank, status, message, started_at, finished_at
        FROM run_records
        ORDER BY started_at DESC, seq DESC
        LIMIT $1;
    `

// Store is the PostgreSQL run archive.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect opens a pool for url, verifies it and ensures the schema exists.
// The returned close function releases the pool.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// EnsureSchema creates the archive table and its index in one transaction.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveRecord inserts r or updates the terminal fields of an existing row.
func (s *Store) SaveRecord(ctx context.Context, r orchestrator.RunRecord) error {
	var finishedAt *time.Time
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt.UTC()
		finishedAt = &t
	}
	_, err := s.pool.Exec(ctx, sqlUpsertRecord,
		r.Session, int64(r.Seq), r.Subject, r.SubjectName,
		r.Variant, r.VariantName, r.Rank,
		string(r.Status), r.Message,
		r.StartedAt.UTC(), finishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run record %d: %w", r.Seq, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]orchestrator.RunRecord, error) {
	rows, err := s.pool.Query(ctx, sqlRecentRecords, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run records: %w", err)
	}
	defer rows.Close()

	var records []orchestrator.RunRecord
	for rows.Next() {
		var (
			r          orchestrator.RunRecord
			seq        int64
			status     string
			finishedAt *time.Time
		)
		err := rows.Scan(
			&r.Session, &seq, &r.Subject, &r.SubjectName,
			&r.Variant, &r.VariantName, &r.Rank,
			&status, &r.Message,
			&r.StartedAt, &finishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record row: %w", err)
		}
		r.Seq = uint64(seq)
		r.Status = orchestrator.Status(status)
		if finishedAt != nil {
			r.FinishedAt = *finishedAt
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}
