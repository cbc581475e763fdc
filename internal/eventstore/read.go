package eventstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/codec"
	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/storage"
)

// ReadStreamRequest reads one stream after an exclusive version.
type ReadStreamRequest struct {
	StreamID    uuid.UUID
	FromVersion int64
	MaxCount    int
	// IncludeDeleted also yields soft-deleted records.
	IncludeDeleted bool
}

// ReadAllStreamsRequest reads the global log after an exclusive position.
type ReadAllStreamsRequest struct {
	FromPosition   int64
	MaxCount       int
	IncludeDeleted bool
}

// Cursor is a lazy, finite, non-restartable envelope sequence. Close it
// on every exit path; backpressure belongs to the consumer.
type Cursor struct {
	rows  storage.Rows[*storage.DomainEventRecord]
	codec *codec.JSON
	cur   event.Envelope
	err   error
}

func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		return false
	}
	env, err := decodeDomain(c.codec, c.rows.Record())
	if err != nil {
		c.err = err
		return false
	}
	c.cur = env
	return true
}

func (c *Cursor) Envelope() event.Envelope { return c.cur }

func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *Cursor) Close() { c.rows.Close() }

// All drains the cursor into a slice and closes it.
func (c *Cursor) All() ([]event.Envelope, error) {
	defer c.Close()
	var out []event.Envelope
	for c.Next() {
		out = append(out, c.Envelope())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadStream yields a stream's events with version greater than
// FromVersion, ascending, capped at MaxCount.
func (s *Store) ReadStream(ctx context.Context, req ReadStreamRequest) (*Cursor, error) {
	conds := []storage.Cond{
		storage.Eq(storage.FieldStreamID, req.StreamID),
		storage.Gt(storage.FieldStreamVersion, req.FromVersion),
	}
	if !req.IncludeDeleted {
		conds = append(conds, storage.Eq(storage.FieldStatus, storage.EventActive))
	}
	rows, err := s.db.DomainEvents().Query(ctx, storage.Filter{
		Where:   storage.Clause{Conds: conds},
		OrderBy: []storage.Order{storage.Asc(storage.FieldStreamVersion)},
		Limit:   req.MaxCount,
	})
	if err != nil {
		return nil, err
	}
	return &Cursor{rows: rows, codec: s.domain}, nil
}

// ReadAll yields committed events across all streams with sequence
// greater than FromPosition, ascending, capped at MaxCount.
func (s *Store) ReadAll(ctx context.Context, req ReadAllStreamsRequest) (*Cursor, error) {
	conds := []storage.Cond{
		storage.Gt(storage.FieldSequence, req.FromPosition),
	}
	if !req.IncludeDeleted {
		conds = append(conds, storage.Eq(storage.FieldStatus, storage.EventActive))
	}
	rows, err := s.db.DomainEvents().Query(ctx, storage.Filter{
		Where:   storage.Clause{Conds: conds},
		OrderBy: []storage.Order{storage.Asc(storage.FieldSequence)},
		Limit:   req.MaxCount,
	})
	if err != nil {
		return nil, err
	}
	return &Cursor{rows: rows, codec: s.domain}, nil
}

// StreamExists reports whether the stream has any live records.
func (s *Store) StreamExists(ctx context.Context, streamID uuid.UUID) (bool, error) {
	return s.db.DomainEvents().Exists(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldStreamID, streamID),
			storage.Eq(storage.FieldStatus, storage.EventActive),
		}},
	})
}

// StreamVersion returns the highest live version of the stream, or -1
// when the stream is empty or soft-deleted.
func (s *Store) StreamVersion(ctx context.Context, streamID uuid.UUID) (int64, error) {
	head, err := s.db.DomainEvents().QueryFirst(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldStreamID, streamID),
			storage.Eq(storage.FieldStatus, storage.EventActive),
		}},
		OrderBy: []storage.Order{storage.Desc(storage.FieldStreamVersion)},
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return -1, nil
		}
		return 0, err
	}
	return head.StreamVersion, nil
}

// DeleteStreamRequest removes a stream, softly or for good.
type DeleteStreamRequest struct {
	StreamID   uuid.UUID
	HardDelete bool
}

// DeleteStream soft-deletes (status flip, reads skip) or hard-deletes
// (rows removed) a stream. Idempotent: deleting an absent stream is a
// no-op.
func (s *Store) DeleteStream(ctx context.Context, uow storage.UnitOfWork, req DeleteStreamRequest) error {
	repo := uow.DomainEvents()
	if req.HardDelete {
		_, err := repo.DeleteWhere(ctx, storage.Filter{
			Where: storage.Clause{Conds: []storage.Cond{
				storage.Eq(storage.FieldStreamID, req.StreamID),
			}},
		})
		return err
	}
	now := s.now().UTC()
	_, err := repo.BulkUpdate(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldStreamID, req.StreamID),
			storage.Eq(storage.FieldStatus, storage.EventActive),
		}},
	}, []storage.Assign{
		storage.Set(storage.FieldStatus, storage.EventDeleted),
		storage.Set(storage.FieldDeletedOn, now),
		storage.Set(storage.FieldUpdatedOn, now),
	})
	return err
}

// TruncateStreamRequest removes a prefix of a stream.
type TruncateStreamRequest struct {
	StreamID      uuid.UUID
	BeforeVersion int64
}

// TruncateStream removes records with version below BeforeVersion. The
// current version is unchanged; readers starting at or past the cut
// observe no gap.
func (s *Store) TruncateStream(ctx context.Context, uow storage.UnitOfWork, req TruncateStreamRequest) error {
	_, err := uow.DomainEvents().DeleteWhere(ctx, storage.Filter{
		Where: storage.Clause{Conds: []storage.Cond{
			storage.Eq(storage.FieldStreamID, req.StreamID),
			storage.Lt(storage.FieldStreamVersion, req.BeforeVersion),
		}},
	})
	return err
}

func decodeDomain(c *codec.JSON, rec *storage.DomainEventRecord) (event.Envelope, error) {
	e, err := c.Decode(rec.EventName, rec.Payload)
	if err != nil {
		return event.Envelope{}, err
	}
	return event.Envelope{
		Event:         e,
		EventID:       rec.EventID,
		EventName:     rec.EventName,
		StreamID:      rec.StreamID,
		StreamName:    rec.StreamName,
		StreamVersion: rec.StreamVersion,
		Sequence:      rec.Sequence,
		OccurredOn:    rec.CreatedOn,
		Metadata: event.Metadata{
			CausationID:   rec.CausationID,
			CorrelationID: rec.CorrelationID,
		},
	}, nil
}
