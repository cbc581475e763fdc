// Package postgres implements the storage port on PostgreSQL via pgx.
// Global sequences are identity columns, unique constraints enforce the
// per-stream version and inbox idempotency keys, and a unit of work is
// exactly one pgx transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventfold/eventfold/internal/storage"
)

// querier is the method set shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a Postgres-backed storage.DB.
type DB struct {
	pool *pgxpool.Pool
}

// New wraps an open connection pool.
func New(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

func (d *DB) DomainEvents() storage.Repository[*storage.DomainEventRecord] {
	return repo[*storage.DomainEventRecord]{q: d.pool, m: domainMeta}
}

func (d *DB) Snapshots() storage.Repository[*storage.SnapshotRecord] {
	return repo[*storage.SnapshotRecord]{q: d.pool, m: snapshotMeta}
}

func (d *DB) Outbox() storage.Repository[*storage.OutboxRecord] {
	return repo[*storage.OutboxRecord]{q: d.pool, m: outboxMeta}
}

func (d *DB) Inbox() storage.Repository[*storage.InboxRecord] {
	return repo[*storage.InboxRecord]{q: d.pool, m: inboxMeta}
}

// Begin opens a transaction-scoped unit of work.
func (d *DB) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, &storage.RepositoryError{Op: "begin", Err: err}
	}
	return &unitOfWork{tx: tx}, nil
}

type unitOfWork struct {
	tx pgx.Tx
}

func (u *unitOfWork) DomainEvents() storage.Repository[*storage.DomainEventRecord] {
	return repo[*storage.DomainEventRecord]{q: u.tx, m: domainMeta}
}

func (u *unitOfWork) Snapshots() storage.Repository[*storage.SnapshotRecord] {
	return repo[*storage.SnapshotRecord]{q: u.tx, m: snapshotMeta}
}

func (u *unitOfWork) Outbox() storage.Repository[*storage.OutboxRecord] {
	return repo[*storage.OutboxRecord]{q: u.tx, m: outboxMeta}
}

func (u *unitOfWork) Inbox() storage.Repository[*storage.InboxRecord] {
	return repo[*storage.InboxRecord]{q: u.tx, m: inboxMeta}
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return storage.ErrClosedUnitOfWork
		}
		return mapError("commit", err)
	}
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return mapError("rollback", err)
	}
	return nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// meta describes how one entity maps onto its table.
type meta[R storage.Entity] struct {
	table      string
	insertCols []string
	insertVals func(R) []any
	selectCols []string
	scan       func(scanner) (R, error)
	// seqIdentity marks tables whose sequence column is generated by
	// the engine and must be read back on insert.
	seqIdentity bool
	setSeq      func(R, int64)
}

type repo[R storage.Entity] struct {
	q querier
	m meta[R]
}

func (r repo[R]) Insert(ctx context.Context, recs []R) error {
	if len(recs) == 0 {
		return fmt.Errorf("%w: empty insert batch", storage.ErrInvalidArgument)
	}
	placeholders := make([]string, len(r.m.insertCols))
	for i := range r.m.insertCols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		r.m.table,
		strings.Join(r.m.insertCols, ", "),
		strings.Join(placeholders, ", "),
	)
	if r.m.seqIdentity {
		q += " RETURNING sequence"
	}
	for _, rec := range recs {
		args := r.m.insertVals(rec)
		if r.m.seqIdentity {
			var seq int64
			if err := r.q.QueryRow(ctx, q, args...).Scan(&seq); err != nil {
				return mapError("insert "+r.m.table, err)
			}
			r.m.setSeq(rec, seq)
			continue
		}
		if _, err := r.q.Exec(ctx, q, args...); err != nil {
			return mapError("insert "+r.m.table, err)
		}
	}
	return nil
}

func (r repo[R]) Query(ctx context.Context, f storage.Filter) (storage.Rows[R], error) {
	sql, args, err := r.selectSQL(f)
	if err != nil {
		return nil, err
	}
	pgRows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError("query "+r.m.table, err)
	}
	return &rows[R]{pg: pgRows, scan: r.m.scan, table: r.m.table}, nil
}

func (r repo[R]) QueryFirst(ctx context.Context, f storage.Filter) (R, error) {
	var zero R
	f.Limit = 1
	res, err := storage.Collect(r.Query(ctx, f))
	if err != nil {
		return zero, err
	}
	if len(res) == 0 {
		return zero, storage.ErrNotFound
	}
	return res[0], nil
}

func (r repo[R]) Exists(ctx context.Context, f storage.Filter) (bool, error) {
	where, args, err := renderClause(f.Where, nil)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s)", r.m.table, where)
	var exists bool
	if err := r.q.QueryRow(ctx, q, args...).Scan(&exists); err != nil {
		return false, mapError("exists "+r.m.table, err)
	}
	return exists, nil
}

func (r repo[R]) BulkUpdate(ctx context.Context, f storage.Filter, set []storage.Assign) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("%w: empty assignment list", storage.ErrInvalidArgument)
	}
	var args []any
	parts := make([]string, 0, len(set))
	for _, a := range set {
		args = append(args, pgArg(a.Value))
		if a.Add {
			parts = append(parts, fmt.Sprintf("%s = %s + $%d", a.Field, a.Field, len(args)))
		} else {
			parts = append(parts, fmt.Sprintf("%s = $%d", a.Field, len(args)))
		}
	}
	where, args, err := renderClause(f.Where, args)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", r.m.table, strings.Join(parts, ", "), where)
	tag, err := r.q.Exec(ctx, q, args...)
	if err != nil {
		return 0, mapError("update "+r.m.table, err)
	}
	return tag.RowsAffected(), nil
}

func (r repo[R]) DeleteWhere(ctx context.Context, f storage.Filter) (int64, error) {
	where, args, err := renderClause(f.Where, nil)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", r.m.table, where)
	tag, err := r.q.Exec(ctx, q, args...)
	if err != nil {
		return 0, mapError("delete "+r.m.table, err)
	}
	return tag.RowsAffected(), nil
}

func (r repo[R]) selectSQL(f storage.Filter) (string, []any, error) {
	where, args, err := renderClause(f.Where, nil)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s",
		strings.Join(r.m.selectCols, ", "), r.m.table, where)
	if len(f.OrderBy) > 0 {
		parts := make([]string, len(f.OrderBy))
		for i, o := range f.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = fmt.Sprintf("%s %s", o.Field, dir)
		}
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(parts, ", "))
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String(), args, nil
}

func renderClause(c storage.Clause, args []any) (string, []any, error) {
	var parts []string
	var err error
	for _, cond := range c.Conds {
		var s string
		s, args, err = renderCond(cond, args)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, s)
	}
	if len(c.AnyOf) > 0 {
		ors := make([]string, 0, len(c.AnyOf))
		for _, sub := range c.AnyOf {
			var s string
			s, args, err = renderClause(sub, args)
			if err != nil {
				return "", nil, err
			}
			ors = append(ors, "("+s+")")
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	if len(parts) == 0 {
		return "TRUE", args, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

func renderCond(c storage.Cond, args []any) (string, []any, error) {
	switch c.Op {
	case storage.OpIsNull:
		return c.Field + " IS NULL", args, nil
	case storage.OpNotNull:
		return c.Field + " IS NOT NULL", args, nil
	case storage.OpIn:
		args = append(args, pgArg(c.Value))
		return fmt.Sprintf("%s = ANY($%d)", c.Field, len(args)), args, nil
	}
	op, ok := sqlOps[c.Op]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown operator %d", storage.ErrInvalidArgument, c.Op)
	}
	args = append(args, pgArg(c.Value))
	return fmt.Sprintf("%s %s $%d", c.Field, op, len(args)), args, nil
}

var sqlOps = map[storage.Op]string{
	storage.OpEq:    "=",
	storage.OpNotEq: "<>",
	storage.OpGt:    ">",
	storage.OpGtEq:  ">=",
	storage.OpLt:    "<",
	storage.OpLtEq:  "<=",
}

func pgArg(v any) any {
	switch s := v.(type) {
	case storage.EventStatus:
		return string(s)
	case storage.DeliveryStatus:
		return string(s)
	}
	return v
}

func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s (%s)", storage.ErrUniqueViolation, op, pgErr.ConstraintName)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &storage.RepositoryError{Op: op, Err: err}
}

type rows[R storage.Entity] struct {
	pg    pgx.Rows
	scan  func(scanner) (R, error)
	table string
	cur   R
	err   error
}

func (r *rows[R]) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.pg.Next() {
		return false
	}
	rec, err := r.scan(r.pg)
	if err != nil {
		r.err = mapError("scan "+r.table, err)
		return false
	}
	r.cur = rec
	return true
}

func (r *rows[R]) Record() R { return r.cur }

func (r *rows[R]) Err() error {
	if r.err != nil {
		return r.err
	}
	if err := r.pg.Err(); err != nil {
		return mapError("iterate "+r.table, err)
	}
	return nil
}

func (r *rows[R]) Close() { r.pg.Close() }
