// Package outbox is the reliable outbound side of the substrate:
// integration events are enqueued in the producer's transaction and
// claimed by workers with a bounded visibility lease.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/eventfold/eventfold/internal/backoff"
	"github.com/eventfold/eventfold/internal/codec"
	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/metrics"
	"github.com/eventfold/eventfold/internal/storage"
)

const (
	// DefaultVisibilityTimeout is the lease length a claim holds.
	DefaultVisibilityTimeout = 5 * time.Minute
	// DefaultDequeueBatch caps a claim when the caller does not.
	DefaultDequeueBatch = 10
)

// Outbox coordinates enqueue, claim, complete and retry over the
// outbox_events entity set.
type Outbox struct {
	db         storage.DB
	codec      *codec.JSON
	reg        *event.Registry
	now        func() time.Time
	visibility time.Duration
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// WithVisibilityTimeout changes the default claim lease.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *Outbox) { o.visibility = d }
}

// New builds an Outbox over the given engine and type registry.
func New(db storage.DB, reg *event.Registry, opts ...Option) *Outbox {
	o := &Outbox{
		db:         db,
		codec:      codec.NewJSON(reg, event.FamilyIntegration),
		reg:        reg,
		now:        time.Now,
		visibility: DefaultVisibilityTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue stages integration events in the caller's unit of work and
// returns their assigned ids. Events of other families are skipped.
func (o *Outbox) Enqueue(ctx context.Context, uow storage.UnitOfWork, events []event.Event, md event.Metadata) ([]uuid.UUID, error) {
	now := o.now().UTC()
	var recs []*storage.OutboxRecord
	var ids []uuid.UUID
	for _, e := range events {
		if fam, ok := o.reg.FamilyOf(e); !ok || fam != event.FamilyIntegration {
			continue
		}
		name, payload, err := o.codec.Encode(e)
		if err != nil {
			return nil, err
		}
		id := uuid.New()
		ids = append(ids, id)
		recs = append(recs, &storage.OutboxRecord{
			EventID:       id,
			EventName:     name,
			Payload:       payload,
			Status:        storage.DeliveryPending,
			CorrelationID: md.CorrelationID,
			CausationID:   md.CausationID,
			CreatedOn:     now,
		})
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if err := uow.Outbox().Insert(ctx, recs); err != nil {
		return nil, err
	}
	metrics.OutboxEnqueued.Add(float64(len(recs)))
	return ids, nil
}

// Dequeue claims up to max events with a fresh lease and returns them
// in sequence order. The candidate set is PENDING rows, eligible
// ONERROR rows, and PROCESSING rows whose lease has expired (a dead
// worker's claim). The guarded bulk update is the race fence: rows lost
// to a racing worker are silently dropped from this claim.
func (o *Outbox) Dequeue(ctx context.Context, uow storage.UnitOfWork, max int, visibility time.Duration) ([]event.Envelope, error) {
	if max <= 0 {
		max = DefaultDequeueBatch
	}
	if visibility <= 0 {
		visibility = o.visibility
	}
	now := o.now().UTC()
	repo := uow.Outbox()

	candidates, err := storage.Collect(repo.Query(ctx, storage.Filter{
		Where:   dispatchable(now),
		OrderBy: []storage.Order{storage.Asc(storage.FieldSequence)},
		Limit:   max,
	}))
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(candidates))
	for i, rec := range candidates {
		ids[i] = rec.EventID
	}

	claimID := uuid.New()
	if _, err := repo.BulkUpdate(ctx, storage.Filter{
		Where: storage.Clause{
			Conds: []storage.Cond{storage.In(storage.FieldEventID, ids)},
			AnyOf: []storage.Clause{
				{Conds: []storage.Cond{storage.IsNull(storage.FieldClaimID)}},
				{Conds: []storage.Cond{storage.LtEq(storage.FieldNextAttemptOn, now)}},
			},
		},
	}, []storage.Assign{
		storage.Set(storage.FieldStatus, storage.DeliveryProcessing),
		storage.Set(storage.FieldClaimID, claimID),
		storage.Set(storage.FieldNextAttemptOn, now.Add(visibility)),
		storage.Set(storage.FieldUpdatedOn, now),
	}); err != nil {
		return nil, err
	}

	claimed, err := storage.Collect(repo.Query(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldClaimID, claimID),
		}},
		OrderBy: []storage.Order{storage.Asc(storage.FieldSequence)},
	}))
	if err != nil {
		return nil, err
	}

	envs := make([]event.Envelope, 0, len(claimed))
	for _, rec := range claimed {
		env, err := o.decode(rec)
		if err != nil {
			// Poison payload: park the row so it cannot stall the
			// pipeline, and keep going with the rest of the claim.
			o.quarantine(ctx, repo, rec, err)
			continue
		}
		envs = append(envs, env)
	}
	metrics.OutboxDequeued.Add(float64(len(envs)))
	return envs, nil
}

// dispatchable is the dequeue candidate predicate.
func dispatchable(now time.Time) storage.Clause {
	return storage.Clause{
		AnyOf: []storage.Clause{
			{Conds: []storage.Cond{
				storage.Eq(storage.FieldStatus, storage.DeliveryPending),
				storage.IsNull(storage.FieldClaimID),
			}},
			{
				Conds: []storage.Cond{
					storage.Eq(storage.FieldStatus, storage.DeliveryOnError),
					storage.IsNull(storage.FieldClaimID),
				},
				AnyOf: []storage.Clause{
					{Conds: []storage.Cond{storage.IsNull(storage.FieldNextAttemptOn)}},
					{Conds: []storage.Cond{storage.LtEq(storage.FieldNextAttemptOn, now)}},
				},
			},
			{Conds: []storage.Cond{
				storage.Eq(storage.FieldStatus, storage.DeliveryProcessing),
				storage.LtEq(storage.FieldNextAttemptOn, now),
			}},
		},
	}
}

// Complete marks the given events as published, clearing their lease.
// Attempt counts are preserved for observability.
func (o *Outbox) Complete(ctx context.Context, uow storage.UnitOfWork, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty completion batch", storage.ErrInvalidArgument)
	}
	n, err := uow.Outbox().BulkUpdate(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.In(storage.FieldEventID, ids),
		}},
	}, []storage.Assign{
		storage.Set(storage.FieldStatus, storage.DeliveryPublished),
		storage.Set(storage.FieldClaimID, nil),
		storage.Set(storage.FieldNextAttemptOn, nil),
		storage.Set(storage.FieldErrorMessage, ""),
		storage.Set(storage.FieldUpdatedOn, o.now().UTC()),
	})
	if err != nil {
		return err
	}
	metrics.OutboxPublished.Add(float64(n))
	return nil
}

// Failure reports one failed publish attempt.
type Failure struct {
	EventID uuid.UUID
	Err     error
}

// Fail schedules each event for retry with the capped exponential
// backoff. Every failure is applied in its own implicit transaction so
// a crash mid-batch does not strand the rest.
func (o *Outbox) Fail(ctx context.Context, failures []Failure) error {
	if len(failures) == 0 {
		return fmt.Errorf("%w: empty failure batch", storage.ErrInvalidArgument)
	}
	repo := o.db.Outbox()
	var errs []error
	for _, f := range failures {
		if err := o.failOne(ctx, repo, f); err != nil {
			errs = append(errs, fmt.Errorf("fail %s: %w", f.EventID, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Outbox) failOne(ctx context.Context, repo storage.Repository[*storage.OutboxRecord], f Failure) error {
	rec, err := repo.QueryFirst(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldEventID, f.EventID),
		}},
	})
	if err != nil {
		return err
	}
	now := o.now().UTC()
	attempts := rec.AttemptCount + 1
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	if _, err := repo.BulkUpdate(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldEventID, f.EventID),
		}},
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
	metrics.OutboxFailed.Inc()
	return nil
}

func (o *Outbox) decode(rec *storage.OutboxRecord) (event.Envelope, error) {
	e, err := o.codec.Decode(rec.EventName, rec.Payload)
	if err != nil {
		return event.Envelope{}, err
	}
	return event.Envelope{
		Event:      e,
		EventID:    rec.EventID,
		EventName:  rec.EventName,
		Sequence:   rec.Sequence,
		OccurredOn: rec.CreatedOn,
		Metadata: event.Metadata{
			CausationID:   rec.CausationID,
			CorrelationID: rec.CorrelationID,
		},
	}, nil
}

// quarantine parks a record that cannot be decoded. It runs inside the
// caller's unit of work: the claim update already locked the row, so
// the mark must ride the same transaction.
func (o *Outbox) quarantine(ctx context.Context, repo storage.Repository[*storage.OutboxRecord], rec *storage.OutboxRecord, cause error) {
	if err := o.failOne(ctx, repo, Failure{EventID: rec.EventID, Err: cause}); err != nil {
		log.Error().Err(err).Stringer("event_id", rec.EventID).Msg("failed to quarantine poison outbox event")
		return
	}
	log.Warn().Err(cause).Stringer("event_id", rec.EventID).Str("event_name", rec.EventName).
		Msg("outbox event quarantined: undecodable payload")
}
