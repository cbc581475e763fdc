// Package memory is an in-process storage engine. It backs unit tests
// and embedded setups where Postgres is not available.
//
// Mutations apply eagerly under the engine lock and are undone from a
// journal on Rollback; this is an undo log, not MVCC, so a concurrent
// reader may observe another unit of work's uncommitted rows. Writes are
// serialized, which is what keeps the per-table sequence counters in
// commit order.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eventfold/eventfold/internal/storage"
)

type table struct {
	name    string
	rows    []storage.Entity
	seq     int64
	hasSeq  bool
	uniques [][]string
}

// DB is an in-memory storage.DB.
type DB struct {
	mu        sync.Mutex
	domain    *table
	snapshots *table
	outbox    *table
	inbox     *table
}

// New returns an empty engine with the substrate's four entity sets and
// their unique constraints.
func New() *DB {
	return &DB{
		domain: &table{
			name:   "domain_events",
			hasSeq: true,
			uniques: [][]string{
				{storage.FieldEventID},
				{storage.FieldStreamID, storage.FieldStreamVersion},
			},
		},
		snapshots: &table{
			name:    "snapshot_events",
			uniques: [][]string{{storage.FieldEventID}},
		},
		outbox: &table{
			name:    "outbox_events",
			hasSeq:  true,
			uniques: [][]string{{storage.FieldEventID}},
		},
		inbox: &table{
			name:    "inbox_events",
			hasSeq:  true,
			uniques: [][]string{{storage.FieldEventID, storage.FieldConsumer}},
		},
	}
}

func (d *DB) DomainEvents() storage.Repository[*storage.DomainEventRecord] {
	return repo[*storage.DomainEventRecord]{db: d, t: d.domain}
}

func (d *DB) Snapshots() storage.Repository[*storage.SnapshotRecord] {
	return repo[*storage.SnapshotRecord]{db: d, t: d.snapshots}
}

func (d *DB) Outbox() storage.Repository[*storage.OutboxRecord] {
	return repo[*storage.OutboxRecord]{db: d, t: d.outbox}
}

func (d *DB) Inbox() storage.Repository[*storage.InboxRecord] {
	return repo[*storage.InboxRecord]{db: d, t: d.inbox}
}

// Begin opens a unit of work backed by an undo journal.
func (d *DB) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &unitOfWork{db: d}, nil
}

type unitOfWork struct {
	db     *DB
	mu     sync.Mutex
	undo   []func()
	closed bool
}

func (u *unitOfWork) DomainEvents() storage.Repository[*storage.DomainEventRecord] {
	return repo[*storage.DomainEventRecord]{db: u.db, t: u.db.domain, uow: u}
}

func (u *unitOfWork) Snapshots() storage.Repository[*storage.SnapshotRecord] {
	return repo[*storage.SnapshotRecord]{db: u.db, t: u.db.snapshots, uow: u}
}

func (u *unitOfWork) Outbox() storage.Repository[*storage.OutboxRecord] {
	return repo[*storage.OutboxRecord]{db: u.db, t: u.db.outbox, uow: u}
}

func (u *unitOfWork) Inbox() storage.Repository[*storage.InboxRecord] {
	return repo[*storage.InboxRecord]{db: u.db, t: u.db.inbox, uow: u}
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return storage.ErrClosedUnitOfWork
	}
	u.closed = true
	u.undo = nil
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		// Rollback after Commit is the deferred-cleanup idiom.
		return nil
	}
	u.closed = true
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
	return nil
}

func (u *unitOfWork) record(undo func()) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return storage.ErrClosedUnitOfWork
	}
	u.undo = append(u.undo, undo)
	return nil
}

type repo[R storage.Entity] struct {
	db  *DB
	t   *table
	uow *unitOfWork
}

func (r repo[R]) journal(undo func()) error {
	if r.uow == nil {
		return nil
	}
	return r.uow.record(undo)
}

func (r repo[R]) Insert(ctx context.Context, recs []R) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("%w: empty insert batch", storage.ErrInvalidArgument)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	start := len(r.t.rows)
	startSeq := r.t.seq
	for _, rec := range recs {
		if err := r.t.checkUnique(rec, r.t.rows); err != nil {
			// Drop anything staged from this batch before failing.
			r.t.rows = r.t.rows[:start]
			r.t.seq = startSeq
			return err
		}
		if r.t.hasSeq {
			r.t.seq++
			if err := rec.Set(storage.FieldSequence, r.t.seq); err != nil {
				r.t.rows = r.t.rows[:start]
				r.t.seq = startSeq
				return err
			}
		}
		r.t.rows = append(r.t.rows, rec.Clone())
	}
	t := r.t
	return r.journal(func() {
		t.rows = t.rows[:start]
	})
}

func (t *table) checkUnique(rec storage.Entity, existing []storage.Entity) error {
	for _, key := range t.uniques {
		for _, row := range existing {
			same := true
			for _, f := range key {
				a, err := rec.Get(f)
				if err != nil {
					return err
				}
				b, err := row.Get(f)
				if err != nil {
					return err
				}
				if fmt.Sprint(a) != fmt.Sprint(b) {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("%w: %s (%v)", storage.ErrUniqueViolation, t.name, key)
			}
		}
	}
	return nil
}

func (r repo[R]) match(f storage.Filter) ([]int, error) {
	var idx []int
	for i, row := range r.t.rows {
		ok, err := f.Where.Matches(row)
		if err != nil {
			return nil, err
		}
		if ok {
			idx = append(idx, i)
		}
	}
	if len(f.OrderBy) > 0 {
		var sortErr error
		sort.SliceStable(idx, func(a, b int) bool {
			less, err := lessByOrder(r.t.rows[idx[a]], r.t.rows[idx[b]], f.OrderBy)
			if err != nil && sortErr == nil {
				sortErr = err
			}
			return less
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}
	if f.Limit > 0 && len(idx) > f.Limit {
		idx = idx[:f.Limit]
	}
	return idx, nil
}

func lessByOrder(a, b storage.Entity, order []storage.Order) (bool, error) {
	for _, o := range order {
		av, err := a.Get(o.Field)
		if err != nil {
			return false, err
		}
		bv, err := b.Get(o.Field)
		if err != nil {
			return false, err
		}
		if av == nil && bv == nil {
			continue
		}
		// NULLs sort last regardless of direction.
		if av == nil {
			return false, nil
		}
		if bv == nil {
			return true, nil
		}
		c, err := storage.Compare(av, bv)
		if err != nil {
			return false, err
		}
		if c == 0 {
			continue
		}
		if o.Desc {
			return c > 0, nil
		}
		return c < 0, nil
	}
	return false, nil
}

func (r repo[R]) Query(ctx context.Context, f storage.Filter) (storage.Rows[R], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	idx, err := r.match(f)
	if err != nil {
		return nil, &storage.RepositoryError{Op: "query " + r.t.name, Err: err}
	}
	out := make([]R, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.t.rows[i].Clone().(R))
	}
	return &sliceRows[R]{recs: out}, nil
}

func (r repo[R]) QueryFirst(ctx context.Context, f storage.Filter) (R, error) {
	var zero R
	f.Limit = 1
	rows, err := r.Query(ctx, f)
	if err != nil {
		return zero, err
	}
	defer rows.Close()
	if !rows.Next() {
		return zero, storage.ErrNotFound
	}
	return rows.Record(), nil
}

func (r repo[R]) Exists(ctx context.Context, f storage.Filter) (bool, error) {
	f.Limit = 1
	f.OrderBy = nil
	rows, err := r.Query(ctx, f)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

func (r repo[R]) BulkUpdate(ctx context.Context, f storage.Filter, set []storage.Assign) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(set) == 0 {
		return 0, fmt.Errorf("%w: empty assignment list", storage.ErrInvalidArgument)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	idx, err := r.match(f)
	if err != nil {
		return 0, &storage.RepositoryError{Op: "update " + r.t.name, Err: err}
	}
	t := r.t
	prior := make(map[int]storage.Entity, len(idx))
	for _, i := range idx {
		prior[i] = t.rows[i].Clone()
		if err := storage.Apply(t.rows[i], set); err != nil {
			for j, snap := range prior {
				t.rows[j] = snap
			}
			return 0, &storage.RepositoryError{Op: "update " + t.name, Err: err}
		}
	}
	if err := r.journal(func() {
		for i, snap := range prior {
			t.rows[i] = snap
		}
	}); err != nil {
		return 0, err
	}
	return int64(len(idx)), nil
}

func (r repo[R]) DeleteWhere(ctx context.Context, f storage.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	idx, err := r.match(f)
	if err != nil {
		return 0, &storage.RepositoryError{Op: "delete " + r.t.name, Err: err}
	}
	if len(idx) == 0 {
		return 0, nil
	}
	t := r.t
	snapshot := append([]storage.Entity(nil), t.rows...)
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	kept := t.rows[:0:0]
	for i, row := range t.rows {
		if !drop[i] {
			kept = append(kept, row)
		}
	}
	t.rows = kept
	if err := r.journal(func() {
		t.rows = snapshot
	}); err != nil {
		return 0, err
	}
	return int64(len(idx)), nil
}

type sliceRows[R storage.Entity] struct {
	recs []R
	pos  int
}

func (s *sliceRows[R]) Next() bool {
	if s.pos >= len(s.recs) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceRows[R]) Record() R  { return s.recs[s.pos-1] }
func (s *sliceRows[R]) Err() error { return nil }
func (s *sliceRows[R]) Close()     {}
