package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/storage"
	"github.com/eventfold/eventfold/internal/storage/memory"
)

type orderShipped struct {
	OrderID string `json:"order_id"`
}

func (orderShipped) EventName() string { return "order.shipped" }

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

func (orderPlaced) EventName() string { return "order.placed" }

func testRegistry() *event.Registry {
	reg := event.NewRegistry()
	reg.MustRegister(event.FamilyIntegration, "order.shipped", func() event.Event { return &orderShipped{} })
	reg.MustRegister(event.FamilyDomain, "order.placed", func() event.Event { return &orderPlaced{} })
	return reg
}

// fixedClock lets tests move time forward explicitly.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestOutbox(t *testing.T) (*memory.DB, *Outbox, *fixedClock) {
	t.Helper()
	db := memory.New()
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return db, New(db, testRegistry(), WithClock(clock.now)), clock
}

func inUow(t *testing.T, db *memory.DB, fn func(uow storage.UnitOfWork) error) {
	t.Helper()
	ctx := context.Background()
	uow, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer uow.Rollback(ctx)
	if err := fn(uow); err != nil {
		t.Fatalf("in unit of work: %v", err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func enqueue(t *testing.T, db *memory.DB, o *Outbox, events ...event.Event) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	inUow(t, db, func(uow storage.UnitOfWork) error {
		var err error
		ids, err = o.Enqueue(context.Background(), uow, events, event.Metadata{})
		return err
	})
	return ids
}

func dequeue(t *testing.T, db *memory.DB, o *Outbox, max int) []event.Envelope {
	t.Helper()
	var envs []event.Envelope
	inUow(t, db, func(uow storage.UnitOfWork) error {
		var err error
		envs, err = o.Dequeue(context.Background(), uow, max, 0)
		return err
	})
	return envs
}

func TestEnqueueFiltersToIntegrationEvents(t *testing.T) {
	db, o, _ := newTestOutbox(t)

	ids := enqueue(t, db, o, &orderShipped{OrderID: "o-1"}, &orderPlaced{OrderID: "o-1"})
	if len(ids) != 1 {
		t.Fatalf("enqueued %d events, want 1 (domain event skipped)", len(ids))
	}

	rec, err := db.Outbox().QueryFirst(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Status != storage.DeliveryPending {
		t.Errorf("status = %s, want PENDING", rec.Status)
	}
	if rec.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", rec.Sequence)
	}
}

func TestEnqueueNothingIntegrationIsNoOp(t *testing.T) {
	db, o, _ := newTestOutbox(t)
	ids := enqueue(t, db, o, &orderPlaced{OrderID: "o-1"})
	if ids != nil {
		t.Fatalf("ids = %v, want nil", ids)
	}
	exists, err := db.Outbox().Exists(context.Background(), storage.Filter{})
	if err != nil || exists {
		t.Fatalf("outbox has rows after domain-only enqueue (exists=%v, err=%v)", exists, err)
	}
}

func TestDequeueClaimsInSequenceOrder(t *testing.T) {
	db, o, _ := newTestOutbox(t)
	enqueue(t, db, o, &orderShipped{OrderID: "o-1"})
	enqueue(t, db, o, &orderShipped{OrderID: "o-2"})
	enqueue(t, db, o, &orderShipped{OrderID: "o-3"})

	envs := dequeue(t, db, o, 2)
	if len(envs) != 2 {
		t.Fatalf("dequeued %d, want 2", len(envs))
	}
	if envs[0].Sequence != 1 || envs[1].Sequence != 2 {
		t.Errorf("sequences = %d, %d; want 1, 2", envs[0].Sequence, envs[1].Sequence)
	}

	// The claimed rows are leased, the third is still free.
	envs = dequeue(t, db, o, 10)
	if len(envs) != 1 || envs[0].Sequence != 3 {
		t.Fatalf("second dequeue = %d rows, first sequence %d; want the one unclaimed row", len(envs), envs[0].Sequence)
	}
}

func TestDequeueEmptyOutbox(t *testing.T) {
	db, o, _ := newTestOutbox(t)
	if envs := dequeue(t, db, o, 10); envs != nil {
		t.Fatalf("dequeue on empty outbox = %v, want nil", envs)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	db, o, clock := newTestOutbox(t)
	enqueue(t, db, o, &orderShipped{OrderID: "o-1"})

	first := dequeue(t, db, o, 10)
	if len(first) != 1 {
		t.Fatalf("first dequeue = %d rows", len(first))
	}

	// Still leased: nothing to claim.
	if envs := dequeue(t, db, o, 10); len(envs) != 0 {
		t.Fatalf("dequeue during lease = %d rows, want 0", len(envs))
	}

	// After the visibility timeout the dead worker's claim is fair game.
	clock.advance(DefaultVisibilityTimeout + time.Second)
	second := dequeue(t, db, o, 10)
	if len(second) != 1 || second[0].EventID != first[0].EventID {
		t.Fatalf("expired lease not reclaimed: %v", second)
	}
}

func TestCompleteMarksPublished(t *testing.T) {
	db, o, _ := newTestOutbox(t)
	enqueue(t, db, o, &orderShipped{OrderID: "o-1"})
	envs := dequeue(t, db, o, 10)

	inUow(t, db, func(uow storage.UnitOfWork) error {
		return o.Complete(context.Background(), uow, []uuid.UUID{envs[0].EventID})
	})

	rec, err := db.Outbox().QueryFirst(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Status != storage.DeliveryPublished {
		t.Errorf("status = %s, want PUBLISHED", rec.Status)
	}
	if rec.ClaimID != nil || rec.NextAttemptOn != nil {
		t.Error("lease fields must be cleared on completion")
	}

	// Published rows never come back.
	if envs := dequeue(t, db, o, 10); len(envs) != 0 {
		t.Fatalf("published row dequeued again")
	}
}

func TestCompleteEmptyBatchRejected(t *testing.T) {
	db, o, _ := newTestOutbox(t)
	ctx := context.Background()
	uow, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer uow.Rollback(ctx)
	if err := o.Complete(ctx, uow, nil); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestFailSchedulesBackoff(t *testing.T) {
	db, o, clock := newTestOutbox(t)
	enqueue(t, db, o, &orderShipped{OrderID: "o-1"})
	envs := dequeue(t, db, o, 10)
	ctx := context.Background()

	if err := o.Fail(ctx, []Failure{{EventID: envs[0].EventID, Err: errors.New("broker down")}}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec, err := db.Outbox().QueryFirst(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Status != storage.DeliveryOnError {
		t.Errorf("status = %s, want ONERROR", rec.Status)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", rec.AttemptCount)
	}
	if rec.ClaimID != nil {
		t.Error("claim must be released on failure")
	}
	if rec.ErrorMessage != "broker down" {
		t.Errorf("error_message = %q", rec.ErrorMessage)
	}
	wantNext := clock.t.Add(10 * time.Second)
	if rec.NextAttemptOn == nil || !rec.NextAttemptOn.Equal(wantNext) {
		t.Errorf("next_attempt_on = %v, want %v", rec.NextAttemptOn, wantNext)
	}

	// Not eligible until the backoff elapses.
	if envs := dequeue(t, db, o, 10); len(envs) != 0 {
		t.Fatal("row dequeued during backoff window")
	}
	clock.advance(11 * time.Second)
	if envs := dequeue(t, db, o, 10); len(envs) != 1 {
		t.Fatal("row not redelivered after backoff")
	}
}

func TestFailBackoffCapsAtTenMinutes(t *testing.T) {
	db, o, clock := newTestOutbox(t)
	enqueue(t, db, o, &orderShipped{OrderID: "o-1"})
	ctx := context.Background()

	id := dequeue(t, db, o, 10)[0].EventID
	for i := 0; i < 7; i++ {
		if err := o.Fail(ctx, []Failure{{EventID: id, Err: errors.New("still down")}}); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		clock.advance(time.Hour)
		if envs := dequeue(t, db, o, 10); len(envs) != 1 {
			t.Fatalf("round %d: expected redelivery", i)
		}
	}

	if err := o.Fail(ctx, []Failure{{EventID: id, Err: errors.New("still down")}}); err != nil {
		t.Fatalf("final fail: %v", err)
	}
	rec, err := db.Outbox().QueryFirst(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := rec.NextAttemptOn.Sub(clock.t); got != 600*time.Second {
		t.Errorf("delay after %d attempts = %v, want 600s", rec.AttemptCount, got)
	}
}

func TestDequeuePoisonPayloadQuarantined(t *testing.T) {
	db, o, clock := newTestOutbox(t)
	ctx := context.Background()

	// A row whose event name no longer resolves, next to a healthy one.
	poison := &storage.OutboxRecord{
		EventID:   uuid.New(),
		EventName: "order.retired",
		Payload:   []byte(`{}`),
		Status:    storage.DeliveryPending,
		CreatedOn: clock.now(),
	}
	if err := db.Outbox().Insert(ctx, []*storage.OutboxRecord{poison}); err != nil {
		t.Fatalf("insert poison: %v", err)
	}
	enqueue(t, db, o, &orderShipped{OrderID: "o-1"})

	envs := dequeue(t, db, o, 10)
	if len(envs) != 1 {
		t.Fatalf("dequeued %d, want only the decodable row", len(envs))
	}
	if envs[0].EventName != "order.shipped" {
		t.Errorf("dequeued %s", envs[0].EventName)
	}

	rec, err := db.Outbox().QueryFirst(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldEventID, poison.EventID),
		}},
	})
	if err != nil {
		t.Fatalf("query poison row: %v", err)
	}
	if rec.Status != storage.DeliveryOnError {
		t.Errorf("poison status = %s, want ONERROR", rec.Status)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("poison attempt_count = %d, want 1", rec.AttemptCount)
	}
	if rec.ErrorMessage == "" {
		t.Error("poison row must record the decode error")
	}
}

func TestDequeueRaceSingleWinner(t *testing.T) {
	// Two workers pick the same candidate set; the guarded update lets
	// exactly one of them claim each row.
	db, o, _ := newTestOutbox(t)
	enqueue(t, db, o, &orderShipped{OrderID: "o-1"})
	ctx := context.Background()

	// Worker A claims first.
	a := dequeue(t, db, o, 10)
	if len(a) != 1 {
		t.Fatalf("worker A claimed %d", len(a))
	}

	// Worker B's dequeue sees no eligible candidates any more; even if
	// it had raced past the candidate query, the guard on claim_id
	// blocks the second claim.
	b := dequeue(t, db, o, 10)
	if len(b) != 0 {
		t.Fatalf("worker B claimed %d rows, want 0", len(b))
	}

	n, err := db.Outbox().BulkUpdate(ctx, storage.Filter{
		Where: storage.Clause{
			Conds: []storage.Cond{
				storage.Eq(storage.FieldEventID, a[0].EventID),
				storage.IsNull(storage.FieldClaimID),
			},
		},
	}, []storage.Assign{storage.Set(storage.FieldClaimID, uuid.New())})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if n != 0 {
		t.Fatal("guard failed: second claim overwrote the lease")
	}
}
