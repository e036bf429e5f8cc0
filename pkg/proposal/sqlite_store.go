package proposal

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists proposals in a single SQLite file (lite mode).
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore migrates the schema and returns a store. SQLite allows one
// writer at a time, so callers should open db with a single connection.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore: newSQLStore(db, false, "", func(t time.Time) any {
		return t.UTC().Format(time.RFC3339Nano)
	})}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS proposals (
		proposal_id TEXT PRIMARY KEY,
		schema_version TEXT NOT NULL,
		status TEXT NOT NULL,
		title TEXT NOT NULL,
		author JSON NOT NULL,
		payload JSON NOT NULL,
		validation JSON NOT NULL,
		apply JSON,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS proposal_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proposal_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposal_audit_proposal ON proposal_audit (proposal_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}
