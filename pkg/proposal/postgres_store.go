package proposal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists proposals in PostgreSQL. UpdateStatus locks the row
// with SELECT ... FOR UPDATE so concurrent writers to one proposal serialize.
type PostgresStore struct {
	sqlStore
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: newSQLStore(db, true, " FOR UPDATE", func(t time.Time) any {
		return t.UTC()
	})}
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS proposals (
			proposal_id TEXT PRIMARY KEY,
			schema_version TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL,
			author JSONB NOT NULL,
			payload JSONB NOT NULL,
			validation JSONB NOT NULL,
			apply JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proposal_audit (
			id BIGSERIAL PRIMARY KEY,
			proposal_id TEXT NOT NULL REFERENCES proposals (proposal_id),
			action TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposal_audit_proposal ON proposal_audit (proposal_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate proposals: %w", err)
		}
	}
	return nil
}
