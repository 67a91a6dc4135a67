// Package sqldriver is a reference resource.Driver implementation over
// squirrel-built SQL and sqlx, backing a single table. It is the concrete
// collaborator spec §1 calls out as out of scope for hardening — this
// package demonstrates the wiring (filter-to-SQL lowering, transactional
// changelog writes, keyset pagination) without production concerns like
// connection pooling tuning, migrations, or multi-table joins.
package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/concave/concave/changelog"
	"github.com/concave/concave/filter"
	"github.com/concave/concave/problem"
	"github.com/concave/concave/resource"
)

// Driver implements resource.Driver against one SQL table.
type Driver struct {
	db          *sqlx.DB
	table       string
	idField     string
	columns     filter.MapResolver // filter field -> SQL column
	placeholder sq.PlaceholderFormat
	log         *changelog.SQL
	entity      string
}

// NewSQLite builds a Driver using "?" placeholders, for modernc.org/sqlite.
func NewSQLite(db *sqlx.DB, table, idField string, columns filter.MapResolver, log *changelog.SQL, entity string) *Driver {
	return &Driver{db: db, table: table, idField: idField, columns: columns, placeholder: sq.Question, log: log, entity: entity}
}

// NewPostgres builds a Driver using "$N" placeholders, for jackc/pgx.
func NewPostgres(db *sqlx.DB, table, idField string, columns filter.MapResolver, log *changelog.SQL, entity string) *Driver {
	return &Driver{db: db, table: table, idField: idField, columns: columns, placeholder: sq.Dollar, log: log, entity: entity}
}

// Column implements filter.ColumnResolver.
func (d *Driver) Column(field string) (string, bool) { return d.columns.Column(field) }

func (d *Driver) qb() sq.StatementBuilderType { return sq.StatementBuilder.PlaceholderFormat(d.placeholder) }

func (d *Driver) whereFrom(effective *filter.Expr) (sq.Sqlizer, error) {
	if effective == nil || effective.IsTautology() {
		return sq.Expr("1=1"), nil
	}
	return effective.ToSQL(d)
}

// List implements keyset pagination across every key in q.OrderBy (plus the
// id field appended as a last-resort tiebreak), per spec §4.2's tuple
// comparison requirement.
func (d *Driver) List(ctx context.Context, q resource.ListQuery) ([]resource.Record, bool, *resource.Cursor, *int64, error) {
	orderBy := q.OrderBy
	if len(orderBy) == 0 {
		orderBy = []resource.OrderKey{{Field: d.idField}}
	}
	if orderBy[len(orderBy)-1].Field != d.idField {
		orderBy = append(append([]resource.OrderKey{}, orderBy...), resource.OrderKey{Field: d.idField})
	}

	where, err := d.whereFrom(q.Filter)
	if err != nil {
		return nil, false, nil, nil, problem.Wrap(problem.FilterParse, err, "lowering filter")
	}

	sel := d.selectColumns(q.Select)
	builder := d.qb().Select(sel...).From(d.table).Where(where)
	for _, k := range orderBy {
		col, ok := d.columns.Column(k.Field)
		if !ok {
			return nil, false, nil, nil, problem.New(problem.Validation, fmt.Sprintf("unknown orderBy field %q", k.Field))
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		builder = builder.OrderBy(col + " " + dir)
	}

	if q.Cursor != nil {
		keyset, err := keysetPredicate(d.columns, orderBy, q.Cursor.LastValues)
		if err != nil {
			return nil, false, nil, nil, err
		}
		builder = builder.Where(keyset)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	builder = builder.Limit(uint64(limit) + 1)

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, false, nil, nil, err
	}
	rows, err := d.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, false, nil, nil, fmt.Errorf("sqldriver: list: %w", err)
	}
	defer rows.Close()

	var items []resource.Record
	for rows.Next() {
		rec := resource.Record{}
		if err := rows.MapScan(rec); err != nil {
			return nil, false, nil, nil, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, nil, nil, err
	}

	hasMore := false
	if len(items) > limit {
		items = items[:limit]
		hasMore = true
	}

	var nextCursor *resource.Cursor
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		lastValues := make(map[string]any, len(orderBy))
		for _, k := range orderBy {
			lastValues[k.Field] = last[k.Field]
		}
		nextCursor = &resource.Cursor{OrderBy: orderBy, LastValues: lastValues, Direction: "asc"}
	}

	var totalCount *int64
	if q.TotalCount {
		n, err := d.Count(ctx, q.Filter)
		if err != nil {
			return nil, false, nil, nil, err
		}
		totalCount = &n
	}

	return items, hasMore, nextCursor, totalCount, nil
}

func (d *Driver) selectColumns(requested []string) []string {
	if len(requested) == 0 {
		return []string{"*"}
	}
	cols := make([]string, 0, len(requested))
	for _, f := range requested {
		if col, ok := d.columns.Column(f); ok {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return []string{"*"}
	}
	return cols
}

// keysetPredicate builds the standard keyset-pagination OR-of-ANDs: for
// orderBy = [k1 asc, k2 desc, ...], it matches rows strictly after the
// boundary row in that ordering — (k1 > v1) OR (k1=v1 AND k2 < v2) OR ...
func keysetPredicate(columns filter.MapResolver, orderBy []resource.OrderKey, lastValues map[string]any) (sq.Sqlizer, error) {
	var branches []sq.Sqlizer
	for i := range orderBy {
		var and sq.And
		for j := 0; j < i; j++ {
			col, ok := columns.Column(orderBy[j].Field)
			if !ok {
				return nil, problem.New(problem.Validation, fmt.Sprintf("unknown orderBy field %q", orderBy[j].Field))
			}
			and = append(and, sq.Eq{col: lastValues[orderBy[j].Field]})
		}
		col, ok := columns.Column(orderBy[i].Field)
		if !ok {
			return nil, problem.New(problem.Validation, fmt.Sprintf("unknown orderBy field %q", orderBy[i].Field))
		}
		if orderBy[i].Desc {
			and = append(and, sq.Lt{col: lastValues[orderBy[i].Field]})
		} else {
			and = append(and, sq.Gt{col: lastValues[orderBy[i].Field]})
		}
		branches = append(branches, and)
	}
	return sq.Or(branches), nil
}

func (d *Driver) Get(ctx context.Context, id string, effective *filter.Expr, selectCols []string) (resource.Record, bool, error) {
	where, err := d.whereFrom(effective)
	if err != nil {
		return nil, false, problem.Wrap(problem.FilterParse, err, "lowering filter")
	}
	idCol, _ := d.columns.Column(d.idField)
	sqlStr, args, err := d.qb().Select(d.selectColumns(selectCols)...).From(d.table).
		Where(where).Where(sq.Eq{idCol: id}).Limit(1).ToSql()
	if err != nil {
		return nil, false, err
	}
	row := d.db.QueryRowxContext(ctx, sqlStr, args...)
	rec := resource.Record{}
	if err := row.MapScan(rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqldriver: get: %w", err)
	}
	return rec, true, nil
}

func (d *Driver) Count(ctx context.Context, effective *filter.Expr) (int64, error) {
	where, err := d.whereFrom(effective)
	if err != nil {
		return 0, problem.Wrap(problem.FilterParse, err, "lowering filter")
	}
	sqlStr, args, err := d.qb().Select("COUNT(*)").From(d.table).Where(where).ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := d.db.GetContext(ctx, &n, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("sqldriver: count: %w", err)
	}
	return n, nil
}

func (d *Driver) Aggregate(ctx context.Context, effective *filter.Expr, q resource.AggregateQuery) ([]resource.Record, error) {
	where, err := d.whereFrom(effective)
	if err != nil {
		return nil, problem.Wrap(problem.FilterParse, err, "lowering filter")
	}

	var selects []string
	for _, f := range q.GroupBy {
		col, ok := d.columns.Column(f)
		if !ok {
			return nil, problem.New(problem.Validation, fmt.Sprintf("unknown groupBy field %q", f))
		}
		selects = append(selects, col)
	}
	if q.Count {
		selects = append(selects, "COUNT(*) AS count")
	}
	addAgg := func(fn string, fields []string) error {
		for _, f := range fields {
			col, ok := d.columns.Column(f)
			if !ok {
				return problem.New(problem.Validation, fmt.Sprintf("unknown aggregate field %q", f))
			}
			selects = append(selects, fmt.Sprintf("%s(%s) AS %s_%s", fn, col, fn, f))
		}
		return nil
	}
	if err := addAgg("SUM", q.Sum); err != nil {
		return nil, err
	}
	if err := addAgg("AVG", q.Avg); err != nil {
		return nil, err
	}
	if err := addAgg("MIN", q.Min); err != nil {
		return nil, err
	}
	if err := addAgg("MAX", q.Max); err != nil {
		return nil, err
	}
	if len(selects) == 0 {
		selects = []string{"COUNT(*) AS count"}
	}

	builder := d.qb().Select(selects...).From(d.table).Where(where)
	for _, f := range q.GroupBy {
		col, _ := d.columns.Column(f)
		builder = builder.GroupBy(col)
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("sqldriver: aggregate: %w", err)
	}
	defer rows.Close()

	var out []resource.Record
	for rows.Next() {
		rec := resource.Record{}
		if err := rows.MapScan(rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *Driver) Create(ctx context.Context, values resource.Record) (resource.Record, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	rec, err := d.createTx(ctx, tx, values)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Driver) createTx(ctx context.Context, tx *sqlx.Tx, values resource.Record) (resource.Record, error) {
	rec := resource.Record{}
	for k, v := range values {
		rec[k] = v
	}
	if _, ok := rec[d.idField]; !ok {
		rec[d.idField] = ulid.Make().String()
	}

	cols := make([]string, 0, len(rec))
	args := make([]any, 0, len(rec))
	for field, v := range rec {
		col, ok := d.columns.Column(field)
		if !ok {
			continue
		}
		cols = append(cols, col)
		args = append(args, v)
	}
	sqlStr, sqlArgs, err := d.qb().Insert(d.table).Columns(cols...).Values(args...).ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, sqlStr, sqlArgs...); err != nil {
		return nil, problem.Wrap(problem.Validation, err, "insert failed")
	}

	if d.log != nil {
		idStr := fmt.Sprint(rec[d.idField])
		if _, err := d.log.AppendTx(ctx, tx, changelog.Change{Entity: d.entity, ID: idStr, Op: changelog.OpCreate, After: rec}); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (d *Driver) Update(ctx context.Context, id string, effective *filter.Expr, patch resource.Record, replace bool, precondition *resource.Precondition) (resource.Record, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	rec, err := d.updateTx(ctx, tx, id, effective, patch, replace, precondition)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Driver) updateTx(ctx context.Context, tx *sqlx.Tx, id string, effective *filter.Expr, patch resource.Record, replace bool, precondition *resource.Precondition) (resource.Record, error) {
	where, err := d.whereFrom(effective)
	if err != nil {
		return nil, problem.Wrap(problem.FilterParse, err, "lowering filter")
	}
	idCol, _ := d.columns.Column(d.idField)

	before := resource.Record{}
	selSQL, selArgs, err := d.qb().Select("*").From(d.table).Where(where).Where(sq.Eq{idCol: id}).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	if err := tx.QueryRowxContext(ctx, selSQL, selArgs...).MapScan(before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, problem.New(problem.NotFound, "record not found")
		}
		return nil, fmt.Errorf("sqldriver: update: %w", err)
	}

	after := resource.Record{}
	if replace {
		after[d.idField] = before[d.idField]
	} else {
		for k, v := range before {
			after[k] = v
		}
	}
	for k, v := range patch {
		after[k] = v
	}

	set := sq.Eq{}
	for field, v := range after {
		if field == d.idField {
			continue
		}
		if precondition != nil && precondition.Bump && field == precondition.Field {
			continue // bumped via sq.Expr below, not assigned the stale in-memory value
		}
		col, ok := d.columns.Column(field)
		if !ok {
			continue
		}
		set[col] = v
	}

	builder := d.qb().Update(d.table).SetMap(set).Where(sq.Eq{idCol: id})
	if precondition != nil {
		col, ok := d.columns.Column(precondition.Field)
		if !ok {
			return nil, problem.New(problem.Validation, fmt.Sprintf("unknown precondition field %q", precondition.Field))
		}
		builder = builder.Where(sq.Eq{col: precondition.Value})
		if precondition.Bump {
			builder = builder.Set(col, sq.Expr(col+" + 1"))
		}
	}
	updSQL, updArgs, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, updSQL, updArgs...)
	if err != nil {
		return nil, problem.Wrap(problem.Validation, err, "update failed")
	}
	if precondition != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, resource.ErrConcurrencyConflict
		}
		if precondition.Bump {
			after[precondition.Field] = bumpNumeric(before[precondition.Field])
		}
	}

	if d.log != nil {
		if _, err := d.log.AppendTx(ctx, tx, changelog.Change{Entity: d.entity, ID: id, Op: changelog.OpUpdate, Before: before, After: after}); err != nil {
			return nil, err
		}
	}
	return after, nil
}

// bumpNumeric increments v by one, preserving its concrete numeric type as
// scanned back from the driver (sqlite/postgres surface integer version
// columns as one of these depending on driver and declared column type).
// A type it doesn't recognize is returned unchanged — the SQL statement's
// own "col + 1" is the source of truth either way; this only keeps the
// in-memory after record (changelog, hooks, response body) consistent
// with it.
func bumpNumeric(v any) any {
	switch n := v.(type) {
	case int64:
		return n + 1
	case int32:
		return n + 1
	case int:
		return n + 1
	case float64:
		return n + 1
	default:
		return v
	}
}

func (d *Driver) Delete(ctx context.Context, id string, effective *filter.Expr, precondition *resource.Precondition) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := d.deleteTx(ctx, tx, id, effective, precondition); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *Driver) deleteTx(ctx context.Context, tx *sqlx.Tx, id string, effective *filter.Expr, precondition *resource.Precondition) error {
	where, err := d.whereFrom(effective)
	if err != nil {
		return problem.Wrap(problem.FilterParse, err, "lowering filter")
	}
	idCol, _ := d.columns.Column(d.idField)

	before := resource.Record{}
	selSQL, selArgs, err := d.qb().Select("*").From(d.table).Where(where).Where(sq.Eq{idCol: id}).Limit(1).ToSql()
	if err != nil {
		return err
	}
	if err := tx.QueryRowxContext(ctx, selSQL, selArgs...).MapScan(before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return problem.New(problem.NotFound, "record not found")
		}
		return fmt.Errorf("sqldriver: delete: %w", err)
	}

	builder := d.qb().Delete(d.table).Where(sq.Eq{idCol: id})
	if precondition != nil {
		col, ok := d.columns.Column(precondition.Field)
		if !ok {
			return problem.New(problem.Validation, fmt.Sprintf("unknown precondition field %q", precondition.Field))
		}
		builder = builder.Where(sq.Eq{col: precondition.Value})
	}
	delSQL, delArgs, err := builder.ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, delSQL, delArgs...)
	if err != nil {
		return problem.Wrap(problem.Validation, err, "delete failed")
	}
	if precondition != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return resource.ErrConcurrencyConflict
		}
	}

	if d.log != nil {
		if _, err := d.log.AppendTx(ctx, tx, changelog.Change{Entity: d.entity, ID: id, Op: changelog.OpDelete, Before: before}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) BatchCreate(ctx context.Context, items []resource.Record) ([]resource.Record, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]resource.Record, 0, len(items))
	for _, item := range items {
		rec, err := d.createTx(ctx, tx, item)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Driver) BatchUpdate(ctx context.Context, effective *filter.Expr, patch resource.Record) (int64, error) {
	ids, err := d.matchingIDs(ctx, effective)
	if err != nil {
		return 0, err
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if _, err := d.updateTx(ctx, tx, id, nil, patch, false, nil); err != nil {
			tx.Rollback()
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Driver) BatchDelete(ctx context.Context, effective *filter.Expr) (int64, error) {
	ids, err := d.matchingIDs(ctx, effective)
	if err != nil {
		return 0, err
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if err := d.deleteTx(ctx, tx, id, nil, nil); err != nil {
			tx.Rollback()
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// matchingIDs enumerates the ids a batch update/delete's filter selects,
// outside the mutating transaction, so the mutation loop operates over a
// stable snapshot of the affected set.
func (d *Driver) matchingIDs(ctx context.Context, effective *filter.Expr) ([]string, error) {
	where, err := d.whereFrom(effective)
	if err != nil {
		return nil, problem.Wrap(problem.FilterParse, err, "lowering filter")
	}
	idCol, _ := d.columns.Column(d.idField)
	sqlStr, args, err := d.qb().Select(idCol).From(d.table).Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := d.db.SelectContext(ctx, &ids, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("sqldriver: matchingIDs: %w", err)
	}
	return ids, nil
}
