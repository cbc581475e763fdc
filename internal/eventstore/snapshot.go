package eventstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/storage"
)

// Snapshot is a materialized aggregate state at a known position.
// Snapshots never affect stream versions; they are advisory for
// consumers that replay from the latest one.
type Snapshot struct {
	OwnerID  uuid.UUID
	Sequence int64
	Event    event.Event
}

// AppendSnapshot persists a snapshot in the caller's unit of work and
// returns the record id.
func (s *Store) AppendSnapshot(ctx context.Context, uow storage.UnitOfWork, snap Snapshot) (uuid.UUID, error) {
	name, payload, err := s.snapshots.Encode(snap.Event)
	if err != nil {
		return uuid.Nil, err
	}
	rec := &storage.SnapshotRecord{
		EventID:   uuid.New(),
		OwnerID:   snap.OwnerID,
		Sequence:  snap.Sequence,
		EventName: name,
		Payload:   payload,
		Status:    storage.EventActive,
		CreatedOn: s.now().UTC(),
	}
	if err := uow.Snapshots().Insert(ctx, []*storage.SnapshotRecord{rec}); err != nil {
		return uuid.Nil, err
	}
	return rec.EventID, nil
}

// LatestSnapshot returns the owner's snapshot with the highest
// sequence, or storage.ErrNotFound when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, ownerID uuid.UUID) (event.Envelope, error) {
	rec, err := s.db.Snapshots().QueryFirst(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldOwnerID, ownerID),
			storage.Eq(storage.FieldStatus, storage.EventActive),
		}},
		OrderBy: []storage.Order{storage.Desc(storage.FieldSequence)},
	})
	if err != nil {
		return event.Envelope{}, err
	}
	e, err := s.snapshots.Decode(rec.EventName, rec.Payload)
	if err != nil {
		return event.Envelope{}, err
	}
	return event.Envelope{
		Event:      e,
		EventID:    rec.EventID,
		EventName:  rec.EventName,
		StreamID:   rec.OwnerID,
		Sequence:   rec.Sequence,
		OccurredOn: rec.CreatedOn,
	}, nil
}
