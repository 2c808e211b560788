package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS session_journal (
    id          UUID PRIMARY KEY,
    session_id  UUID NOT NULL,
    kind        TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT '',
    symbol      TEXT NOT NULL DEFAULT '',
    data_type   TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    recorded_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_journal_recorded_at ON session_journal (recorded_at);`

// PostgresStore keeps the journal in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool and ensures the journal table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Insert writes entries using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PostgresStore) Insert(ctx context.Context, entries []Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO session_journal (id, session_id, kind, state, symbol, data_type, detail, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.SessionID, string(e.Kind), e.State, e.Symbol, e.DataType, e.Detail, e.RecordedAt.UnixMicro())
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, kind, state, symbol, data_type, detail, recorded_at
		FROM session_journal
		ORDER BY recorded_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e          Entry
			kind       string
			recordedAt int64
		)
		err := row.Scan(&e.ID, &e.SessionID, &kind, &e.State, &e.Symbol, &e.DataType, &e.Detail, &recordedAt)
		e.Kind = Kind(kind)
		e.RecordedAt = time.UnixMicro(recordedAt).UTC()
		return e, err
	})
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
