// Package inbox gives consumers exactly-once processing over inbound
// integration events: each (event, consumer) pair is admitted once,
// deduplicated forever after, and retried with backoff on failure.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/backoff"
	"github.com/eventfold/eventfold/internal/codec"
	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/metrics"
	"github.com/eventfold/eventfold/internal/storage"
)

// DefaultVisibilityTimeout is the lease length an accepted event holds
// before another worker may reclaim it.
const DefaultVisibilityTimeout = 5 * time.Minute

// Result classifies a Receive call.
type Result int

const (
	// ResultAccepted admits the event: the caller owns processing it.
	ResultAccepted Result = iota + 1
	// ResultDuplicate means the event was already processed to
	// completion for this consumer. Acknowledge and move on.
	ResultDuplicate
	// ResultProcessing means another worker holds a live claim, or a
	// failed event is still waiting out its backoff.
	ResultProcessing
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "ACCEPTED"
	case ResultDuplicate:
		return "DUPLICATE"
	case ResultProcessing:
		return "PROCESSING"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Inbox coordinates admit, complete and retry over the inbox_events
// entity set.
type Inbox struct {
	db         storage.DB
	codec      *codec.JSON
	now        func() time.Time
	visibility time.Duration
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

// WithVisibilityTimeout changes the default processing lease.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(i *Inbox) { i.visibility = d }
}

// New builds an Inbox over the given engine and type registry.
func New(db storage.DB, reg *event.Registry, opts ...Option) *Inbox {
	i := &Inbox{
		db:         db,
		codec:      codec.NewJSON(reg, event.FamilyIntegration),
		now:        time.Now,
		visibility: DefaultVisibilityTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Receive classifies an inbound envelope for the consumer and, when
// accepted, records a PROCESSING row with a fresh lease in the caller's
// unit of work. A concurrent first delivery loses the race on the
// (event_id, consumer) uniqueness and comes back as PROCESSING.
func (i *Inbox) Receive(ctx context.Context, uow storage.UnitOfWork, env event.Envelope, consumer string) (Result, error) {
	if consumer == "" {
		return 0, fmt.Errorf("%w: empty consumer", storage.ErrInvalidArgument)
	}
	if env.EventID == uuid.Nil {
		return 0, fmt.Errorf("%w: envelope without event id", storage.ErrInvalidArgument)
	}
	res, err := i.receive(ctx, uow, env, consumer)
	if err != nil {
		return 0, err
	}
	metrics.InboxReceived.WithLabelValues(res.String()).Inc()
	return res, nil
}

func (i *Inbox) receive(ctx context.Context, uow storage.UnitOfWork, env event.Envelope, consumer string) (Result, error) {
	repo := uow.Inbox()
	now := i.now().UTC()

	existing, err := repo.QueryFirst(ctx, storage.Filter{
		Where: pairClause(env.EventID, consumer),
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return i.admit(ctx, repo, env, consumer, now)
	case err != nil:
		return 0, err
	}

	switch existing.Status {
	case storage.DeliveryPublished:
		return ResultDuplicate, nil
	case storage.DeliveryProcessing:
		// A live lease belongs to another worker; an expired one is a
		// dead worker's and may be reclaimed. The guard keeps two
		// reclaimers from both winning.
		if existing.NextAttemptOn == nil || existing.NextAttemptOn.After(now) {
			return ResultProcessing, nil
		}
		return i.reclaim(ctx, repo, env.EventID, consumer, storage.DeliveryProcessing, now)
	case storage.DeliveryOnError:
		if existing.NextAttemptOn != nil && existing.NextAttemptOn.After(now) {
			return ResultProcessing, nil
		}
		return i.reclaim(ctx, repo, env.EventID, consumer, storage.DeliveryOnError, now)
	default:
		return ResultProcessing, nil
	}
}

func (i *Inbox) admit(ctx context.Context, repo storage.Repository[*storage.InboxRecord], env event.Envelope, consumer string, now time.Time) (Result, error) {
	name, payload, err := i.codec.Encode(env.Event)
	if err != nil {
		return 0, err
	}
	claim := uuid.New()
	next := now.Add(i.visibility)
	rec := &storage.InboxRecord{
		EventID:       env.EventID,
		Consumer:      consumer,
		EventName:     name,
		Payload:       payload,
		Status:        storage.DeliveryProcessing,
		ClaimID:       &claim,
		NextAttemptOn: &next,
		CorrelationID: env.Metadata.CorrelationID,
		CausationID:   env.Metadata.CausationID,
		CreatedOn:     now,
	}
	if err := repo.Insert(ctx, []*storage.InboxRecord{rec}); err != nil {
		if errors.Is(err, storage.ErrUniqueViolation) {
			return ResultProcessing, nil
		}
		return 0, err
	}
	return ResultAccepted, nil
}

// reclaim takes over an eligible row via a guarded update. Zero rows
// affected means a racing worker got there first.
func (i *Inbox) reclaim(ctx context.Context, repo storage.Repository[*storage.InboxRecord], eventID uuid.UUID, consumer string, prior storage.DeliveryStatus, now time.Time) (Result, error) {
	claim := uuid.New()
	guard := pairClause(eventID, consumer)
	guard.Conds = append(guard.Conds, storage.Eq(storage.FieldStatus, prior))
	if prior == storage.DeliveryProcessing {
		guard.Conds = append(guard.Conds, storage.LtEq(storage.FieldNextAttemptOn, now))
	} else {
		guard.AnyOf = []storage.Clause{
			{Conds: []storage.Cond{storage.IsNull(storage.FieldNextAttemptOn)}},
			{Conds: []storage.Cond{storage.LtEq(storage.FieldNextAttemptOn, now)}},
		}
	}
	n, err := repo.BulkUpdate(ctx, storage.Filter{Where: guard}, []storage.Assign{
		storage.Set(storage.FieldStatus, storage.DeliveryProcessing),
		storage.Set(storage.FieldClaimID, claim),
		storage.Set(storage.FieldNextAttemptOn, now.Add(i.visibility)),
		storage.Set(storage.FieldUpdatedOn, now),
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return ResultProcessing, nil
	}
	return ResultAccepted, nil
}

// Completion names one processed (event, consumer) pair.
type Completion struct {
	EventID  uuid.UUID
	Consumer string
}

// Complete marks the given pairs as published, clearing their lease.
func (i *Inbox) Complete(ctx context.Context, uow storage.UnitOfWork, completions []Completion) error {
	if len(completions) == 0 {
		return fmt.Errorf("%w: empty completion batch", storage.ErrInvalidArgument)
	}
	repo := uow.Inbox()
	now := i.now().UTC()
	for _, c := range completions {
		n, err := repo.BulkUpdate(ctx, storage.Filter{
			Where: pairClause(c.EventID, c.Consumer),
		}, []storage.Assign{
			storage.Set(storage.FieldStatus, storage.DeliveryPublished),
			storage.Set(storage.FieldClaimID, nil),
			storage.Set(storage.FieldNextAttemptOn, nil),
			storage.Set(storage.FieldErrorMessage, ""),
			storage.Set(storage.FieldUpdatedOn, now),
		})
		if err != nil {
			return err
		}
		metrics.InboxCompleted.Add(float64(n))
	}
	return nil
}

// Failure reports one failed handling attempt.
type Failure struct {
	EventID  uuid.UUID
	Consumer string
	Err      error
}

// Fail schedules each pair for retry with the capped exponential
// backoff. Every failure is applied in its own implicit transaction.
func (i *Inbox) Fail(ctx context.Context, failures []Failure) error {
	if len(failures) == 0 {
		return fmt.Errorf("%w: empty failure batch", storage.ErrInvalidArgument)
	}
	repo := i.db.Inbox()
	var errs []error
	for _, f := range failures {
		if err := i.failOne(ctx, repo, f); err != nil {
			errs = append(errs, fmt.Errorf("fail %s/%s: %w", f.EventID, f.Consumer, err))
		}
	}
	return errors.Join(errs...)
}

func (i *Inbox) failOne(ctx context.Context, repo storage.Repository[*storage.InboxRecord], f Failure) error {
	rec, err := repo.QueryFirst(ctx, storage.Filter{
		Where: pairClause(f.EventID, f.Consumer),
	})
	if err != nil {
		return err
	}
	now := i.now().UTC()
	attempts := rec.AttemptCount + 1
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	if _, err := repo.BulkUpdate(ctx, storage.Filter{
		Where: pairClause(f.EventID, f.Consumer),
	}, []storage.Assign{
		storage.Set(storage.FieldStatus, storage.DeliveryOnError),
		storage.Add(storage.FieldAttemptCount, 1),
		storage.Set(storage.FieldClaimID, nil),
		storage.Set(storage.FieldNextAttemptOn, now.Add(backoff.Delay(int(attempts)))),
		storage.Set(storage.FieldErrorMessage, msg),
		storage.Set(storage.FieldUpdatedOn, now),
	}); err != nil {
		return err
	}
	metrics.InboxFailed.Inc()
	return nil
}

func pairClause(eventID uuid.UUID, consumer string) storage.Clause {
	return storage.Clause{Conds: []storage.Cond{
		storage.Eq(storage.FieldEventID, eventID),
		storage.Eq(storage.FieldConsumer, consumer),
	}}
}
