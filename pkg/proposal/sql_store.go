package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlStore holds the queries shared by the SQLite and Postgres stores. The
// dialects differ only in placeholders, row locking and time encoding.
type sqlStore struct {
	db        *sql.DB
	numbered  bool   // $1 placeholders instead of ?
	forUpdate string // row lock suffix for the read half of UpdateStatus
	timeArg   func(time.Time) any
	now       func() time.Time
	newID     func() string
}

func newSQLStore(db *sql.DB, numbered bool, forUpdate string, timeArg func(time.Time) any) sqlStore {
	return sqlStore{
		db:        db,
		numbered:  numbered,
		forUpdate: forUpdate,
		timeArg:   timeArg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

const selectProposal = `SELECT proposal_id, schema_version, status, title, author, payload, validation, apply, created_at, updated_at FROM proposals WHERE proposal_id = ?`

func (s *sqlStore) rebind(q string) string {
	if !s.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Create(ctx context.Context, in CreateInput) (*Proposal, error) {
	p := newProposal(s.newID(), in, s.now())

	author, err := json.Marshal(p.Author)
	if err != nil {
		return nil, fmt.Errorf("encode author: %w", err)
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	validation, err := json.Marshal(p.Validation)
	if err != nil {
		return nil, fmt.Errorf("encode validation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO proposals (proposal_id, schema_version, status, title, author, payload, validation, apply, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`),
		p.ID, p.SchemaVersion, string(p.Status), p.Title, string(author), string(payload), string(validation), s.timeArg(p.CreatedAt), s.timeArg(p.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert proposal: %w", err)
	}
	if err := s.insertAudit(ctx, tx, createdEntry(p)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return p, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Proposal, error) {
	return scanProposal(s.db.QueryRowContext(ctx, s.rebind(selectProposal), id))
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, next Status, u Update) (*Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProposal(tx.QueryRowContext(ctx, s.rebind(selectProposal+s.forUpdate), id))
	if err != nil {
		return nil, err
	}
	entry, err := applyUpdate(p, next, u, s.now())
	if err != nil {
		return nil, err
	}

	validation, err := json.Marshal(p.Validation)
	if err != nil {
		return nil, fmt.Errorf("encode validation: %w", err)
	}
	var apply sql.NullString
	if p.Apply != nil {
		raw, err := json.Marshal(p.Apply)
		if err != nil {
			return nil, fmt.Errorf("encode apply record: %w", err)
		}
		apply = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE proposals SET status = ?, validation = ?, apply = ?, updated_at = ? WHERE proposal_id = ?`),
		string(p.Status), string(validation), apply, s.timeArg(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update proposal: %w", err)
	}
	if err := s.insertAudit(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return p, nil
}

func (s *sqlStore) Audit(ctx context.Context, id string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT proposal_id, action, actor, detail, at FROM proposal_audit WHERE proposal_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at any
		)
		if err := rows.Scan(&e.ProposalID, &e.Action, &e.Actor, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *sqlStore) insertAudit(ctx context.Context, tx *sql.Tx, e AuditEntry) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO proposal_audit (proposal_id, action, actor, detail, at) VALUES (?, ?, ?, ?, ?)`),
		e.ProposalID, e.Action, e.Actor, e.Detail, s.timeArg(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func scanProposal(row *sql.Row) (*Proposal, error) {
	var (
		p                           Proposal
		status                      string
		author, payload, validation string
		apply                       sql.NullString
		createdAt, updatedAt        any
	)
	err := row.Scan(&p.ID, &p.SchemaVersion, &status, &p.Title, &author, &payload, &validation, &apply, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	p.Status = Status(status)

	if err := json.Unmarshal([]byte(author), &p.Author); err != nil {
		return nil, fmt.Errorf("decode author: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(validation), &p.Validation); err != nil {
		return nil, fmt.Errorf("decode validation: %w", err)
	}
	p.Validation = p.Validation.Clone()
	if apply.Valid && apply.String != "" {
		p.Apply = &ApplyRecord{}
		if err := json.Unmarshal([]byte(apply.String), p.Apply); err != nil {
			return nil, fmt.Errorf("decode apply record: %w", err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
