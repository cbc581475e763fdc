package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventfold/eventfold/internal/db"
	"github.com/eventfold/eventfold/internal/storage"
)

// getTestDB returns a connection to the test database
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("Failed to ensure schema: %v", err)
	}

	// Clean up all tables before each test
	_, err = pool.Exec(context.Background(), `
		DELETE FROM inbox_events;
		DELETE FROM outbox_events;
		DELETE FROM snapshot_events;
		DELETE FROM domain_events;
	`)
	if err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}

	return pool
}

func domainRow(streamID uuid.UUID, version int64) *storage.DomainEventRecord {
	return &storage.DomainEventRecord{
		EventID:       uuid.New(),
		StreamID:      streamID,
		StreamName:    "order",
		StreamVersion: version,
		EventName:     "order.placed",
		Payload:       []byte(`{"order_id":"o-1"}`),
		Status:        storage.EventActive,
		CreatedOn:     time.Now().UTC(),
	}
}

func TestInsertReturnsIdentitySequence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	ctx := context.Background()
	store := New(pool)
	streamID := uuid.New()

	recs := []*storage.DomainEventRecord{domainRow(streamID, 0), domainRow(streamID, 1)}
	if err := store.DomainEvents().Insert(ctx, recs); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if recs[0].Sequence <= 0 || recs[1].Sequence != recs[0].Sequence+1 {
		t.Errorf("sequences = %d, %d; want consecutive identity values", recs[0].Sequence, recs[1].Sequence)
	}
}

func TestUniqueViolationMapped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	ctx := context.Background()
	store := New(pool)
	streamID := uuid.New()

	if err := store.DomainEvents().Insert(ctx, []*storage.DomainEventRecord{domainRow(streamID, 0)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := store.DomainEvents().Insert(ctx, []*storage.DomainEventRecord{domainRow(streamID, 0)})
	if !errors.Is(err, storage.ErrUniqueViolation) {
		t.Fatalf("err = %v, want ErrUniqueViolation", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	ctx := context.Background()
	store := New(pool)
	streamID := uuid.New()

	uow, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := uow.DomainEvents().Insert(ctx, []*storage.DomainEventRecord{domainRow(streamID, 0)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := uow.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	exists, err := store.DomainEvents().Exists(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{storage.Eq(storage.FieldStreamID, streamID)}},
	})
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Error("rolled-back insert is visible")
	}
}

func TestTransactionCommitAndReuse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	ctx := context.Background()
	store := New(pool)
	streamID := uuid.New()

	uow, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := uow.DomainEvents().Insert(ctx, []*storage.DomainEventRecord{domainRow(streamID, 0)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Deferred rollback after commit must be a quiet no-op.
	if err := uow.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit: %v", err)
	}
	// Further use of the closed unit of work fails.
	if err := uow.Commit(ctx); !errors.Is(err, storage.ErrClosedUnitOfWork) {
		t.Fatalf("second commit: err = %v, want ErrClosedUnitOfWork", err)
	}
}

func TestGuardedClaimUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	ctx := context.Background()
	store := New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &storage.OutboxRecord{
		EventID:   uuid.New(),
		EventName: "order.shipped",
		Payload:   []byte(`{}`),
		Status:    storage.DeliveryPending,
		CreatedOn: now,
	}
	if err := store.Outbox().Insert(ctx, []*storage.OutboxRecord{rec}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	claim := uuid.New()
	guard := storage.Filter{
		Where: storage.Clause{
			Conds: []storage.Cond{storage.Eq(storage.FieldEventID, rec.EventID)},
			AnyOf: []storage.Clause{
				{Conds: []storage.Cond{storage.IsNull(storage.FieldClaimID)}},
				{Conds: []storage.Cond{storage.LtEq(storage.FieldNextAttemptOn, now)}},
			},
		},
	}
	set := []storage.Assign{
		storage.Set(storage.FieldStatus, storage.DeliveryProcessing),
		storage.Set(storage.FieldClaimID, claim),
		storage.Set(storage.FieldNextAttemptOn, now.Add(5*time.Minute)),
	}

	n, err := store.Outbox().BulkUpdate(ctx, guard, set)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if n != 1 {
		t.Fatalf("first claim affected %d rows, want 1", n)
	}

	// A racing second claim is fenced out by the same guard.
	n, err = store.Outbox().BulkUpdate(ctx, guard, set)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if n != 0 {
		t.Fatalf("second claim affected %d rows, want 0", n)
	}
}

func TestNullableFieldsRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	ctx := context.Background()
	store := New(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	claim := uuid.New()
	next := now.Add(time.Minute)
	rec := &storage.InboxRecord{
		EventID:       uuid.New(),
		Consumer:      "billing",
		EventName:     "order.shipped",
		Payload:       []byte(`{}`),
		Status:        storage.DeliveryProcessing,
		ClaimID:       &claim,
		NextAttemptOn: &next,
		CreatedOn:     now,
	}
	if err := store.Inbox().Insert(ctx, []*storage.InboxRecord{rec}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.Inbox().QueryFirst(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldEventID, rec.EventID),
			storage.Eq(storage.FieldConsumer, "billing"),
		}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.ClaimID == nil || *got.ClaimID != claim {
		t.Errorf("claim_id = %v, want %s", got.ClaimID, claim)
	}
	if got.NextAttemptOn == nil || !got.NextAttemptOn.Equal(next) {
		t.Errorf("next_attempt_on = %v, want %v", got.NextAttemptOn, next)
	}

	// Clearing the lease stores NULLs.
	if _, err := store.Inbox().BulkUpdate(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldEventID, rec.EventID),
			storage.Eq(storage.FieldConsumer, "billing"),
		}},
	}, []storage.Assign{
		storage.Set(storage.FieldStatus, storage.DeliveryPublished),
		storage.Set(storage.FieldClaimID, nil),
		storage.Set(storage.FieldNextAttemptOn, nil),
	}); err != nil {
		t.Fatalf("clear: %v", err)
	}

	got, err = store.Inbox().QueryFirst(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldEventID, rec.EventID),
		}},
	})
	if err != nil {
		t.Fatalf("re-query: %v", err)
	}
	if got.ClaimID != nil || got.NextAttemptOn != nil {
		t.Error("cleared lease fields must read back as nil")
	}
}
