package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_journal (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    kind        TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT '',
    symbol      TEXT NOT NULL DEFAULT '',
    data_type   TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_journal_recorded_at ON session_journal(recorded_at);`

// SQLiteStore keeps the journal in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and ensures the journal table exists.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Insert writes entries in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO session_journal (id, session_id, kind, state, symbol, data_type, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.ID.String(), e.SessionID.String(), string(e.Kind), e.State,
			e.Symbol, e.DataType, e.Detail, e.RecordedAt.UnixMicro(),
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, state, symbol, data_type, detail, recorded_at
		FROM session_journal
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			id, session, kind string
			recordedAt        int64
		)
		if err := rows.Scan(&id, &session, &kind, &e.State, &e.Symbol, &e.DataType, &e.Detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse id: %w", err)
		}
		if e.SessionID, err = uuid.Parse(session); err != nil {
			return nil, fmt.Errorf("parse session id: %w", err)
		}
		e.Kind = Kind(kind)
		e.RecordedAt = time.UnixMicro(recordedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
