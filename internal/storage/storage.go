// Package storage defines the transactional repository port the
// substrate is built on: typed entity sets with insert, query,
// bulk-update, exists and delete, scoped to an explicit unit of work.
// Two engines implement it: storage/postgres (pgx) and storage/memory.
package storage

import "context"

// Rows is a lazy, finite, non-restartable result cursor. Callers must
// Close it on every exit path.
type Rows[R Entity] interface {
	Next() bool
	Record() R
	Err() error
	Close()
}

// Repository is typed data access over one entity set. A repository
// obtained from a UnitOfWork executes inside that transaction; one
// obtained from the DB runs each call in its own implicit transaction.
type Repository[R Entity] interface {
	// Insert persists the batch. Sequence-bearing records get their
	// sequence assigned here, in commit order.
	Insert(ctx context.Context, recs []R) error
	Query(ctx context.Context, f Filter) (Rows[R], error)
	// QueryFirst returns the first match or ErrNotFound.
	QueryFirst(ctx context.Context, f Filter) (R, error)
	Exists(ctx context.Context, f Filter) (bool, error)
	// BulkUpdate applies the assignments to every row matching the
	// filter and reports how many rows changed.
	BulkUpdate(ctx context.Context, f Filter, set []Assign) (int64, error)
	// DeleteWhere removes every row matching the filter.
	DeleteWhere(ctx context.Context, f Filter) (int64, error)
}

// Repositories groups the typed entity sets of the substrate. Both the
// DB (auto-commit) and a UnitOfWork (transactional) expose them.
type Repositories interface {
	DomainEvents() Repository[*DomainEventRecord]
	Snapshots() Repository[*SnapshotRecord]
	Outbox() Repository[*OutboxRecord]
	Inbox() Repository[*InboxRecord]
}

// UnitOfWork is one transaction. The caller that begins it owns the
// flush: every exit path must end in Commit or Rollback. Rollback after
// Commit is a no-op, so `defer uow.Rollback(ctx)` is the idiom.
type UnitOfWork interface {
	Repositories
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB is a handle on one engine. Repositories taken directly from it
// auto-commit each call, which is what the per-failure transactions of
// the outbox and inbox fail paths use.
type DB interface {
	Repositories
	Begin(ctx context.Context) (UnitOfWork, error)
}

// Collect drains rows into a slice and closes them.
func Collect[R Entity](rows Rows[R], err error) ([]R, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []R
	for rows.Next() {
		out = append(out, rows.Record())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
