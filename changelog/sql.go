package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// SQL is a Log backed by a table, written transactionally alongside the
// resource mutation that produced each entry (§5: "the changelog sequence
// is generated inside the same transaction as the row write"). The table
// is expected to have an autoincrement/serial primary key acting as the
// cursor.
type SQL struct {
	db    *sqlx.DB
	table string
}

// NewSQL returns a SQL-backed Log writing to table, which must have columns
// (cursor integer primary key autoincrement, scope text, entity text, id
// text, op text, before text, after text).
func NewSQL(db *sqlx.DB, table string) *SQL {
	return &SQL{db: db, table: table}
}

// AppendTx writes c inside an already-open transaction, returning the
// assigned cursor. The resource pipeline calls this from within the same
// tx used to write the record mutation so a crash can never desync the
// changelog from the table it describes.
func (s *SQL) AppendTx(ctx context.Context, tx *sqlx.Tx, c Change) (uint64, error) {
	before, after, err := marshalSnapshots(c)
	if err != nil {
		return 0, err
	}
	q := sq.Insert(s.table).
		Columns("scope", "entity", "id", "op", "before", "after").
		Values(c.Scope, c.Entity, c.ID, string(c.Op), before, after).
		PlaceholderFormat(sq.Dollar)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	sqlStr += " RETURNING cursor"

	var cursor uint64
	if err := tx.GetContext(ctx, &cursor, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("changelog: append: %w", err)
	}
	return cursor, nil
}

// Append opens its own transaction; most callers should prefer AppendTx so
// the changelog write shares atomicity with the record mutation.
func (s *SQL) Append(ctx context.Context, c Change) (uint64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	cursor, err := s.AppendTx(ctx, tx, c)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	return cursor, tx.Commit()
}

type sqlRow struct {
	Cursor uint64 `db:"cursor"`
	Scope  string `db:"scope"`
	Entity string `db:"entity"`
	ID     string `db:"id"`
	Op     string `db:"op"`
	Before sql.NullString `db:"before"`
	After  sql.NullString `db:"after"`
}

func (s *SQL) Since(ctx context.Context, scope string, cursor uint64, limit int) ([]Change, error) {
	q := sq.Select("cursor", "scope", "entity", "id", "op", "before", "after").
		From(s.table).
		Where(sq.Gt{"cursor": cursor}).
		OrderBy("cursor ASC").
		PlaceholderFormat(sq.Dollar)
	if scope != "" {
		q = q.Where(sq.Eq{"scope": scope})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []sqlRow
	if err := s.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("changelog: since: %w", err)
	}

	out := make([]Change, 0, len(rows))
	for _, r := range rows {
		c := Change{Cursor: r.Cursor, Scope: r.Scope, Entity: r.Entity, ID: r.ID, Op: Op(r.Op)}
		if r.Before.Valid {
			_ = json.Unmarshal([]byte(r.Before.String), &c.Before)
		}
		if r.After.Valid {
			_ = json.Unmarshal([]byte(r.After.String), &c.After)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQL) Cursor(ctx context.Context) (uint64, error) {
	q, args, err := sq.Select("COALESCE(MAX(cursor), 0)").From(s.table).PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return 0, err
	}
	var cursor uint64
	if err := s.db.GetContext(ctx, &cursor, q, args...); err != nil {
		return 0, fmt.Errorf("changelog: cursor: %w", err)
	}
	return cursor, nil
}

func (s *SQL) Trim(ctx context.Context, keepFromCursor uint64) error {
	q, args, err := sq.Delete(s.table).Where(sq.Lt{"cursor": keepFromCursor}).PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("changelog: trim: %w", err)
	}
	return nil
}

func marshalSnapshots(c Change) (before, after []byte, err error) {
	if c.Before != nil {
		if before, err = json.Marshal(c.Before); err != nil {
			return nil, nil, fmt.Errorf("changelog: marshal before: %w", err)
		}
	}
	if c.After != nil {
		if after, err = json.Marshal(c.After); err != nil {
			return nil, nil, fmt.Errorf("changelog: marshal after: %w", err)
		}
	}
	return before, after, nil
}
