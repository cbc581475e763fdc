// Package eventstore is the append/read/subscribe engine over the
// storage port: per-stream optimistic versioning, a global sequence, a
// snapshot sidecar and live polling subscriptions.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/codec"
	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/storage"
)

const (
	// DefaultSubscriptionBatch is how many records a poll round reads.
	DefaultSubscriptionBatch = 100
	// DefaultPollingInterval is the idle sleep between empty polls.
	DefaultPollingInterval = 3 * time.Second
)

// MetadataExtractor derives causal metadata from the ambient context,
// e.g. a request-scoped correlation id.
type MetadataExtractor func(context.Context) event.Metadata

// Store is the event store engine. Reads run against the engine's
// auto-commit view; mutating operations take the caller's unit of work
// explicitly, and the caller owns the flush.
type Store struct {
	db        storage.DB
	reg       *event.Registry
	domain    *codec.JSON
	snapshots *codec.JSON
	extract   MetadataExtractor
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetadataExtractor merges context-derived metadata into every
// appended record; explicit request metadata wins on conflict.
func WithMetadataExtractor(ex MetadataExtractor) Option {
	return func(s *Store) { s.extract = ex }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store over the given engine and type registry.
func New(db storage.DB, reg *event.Registry, opts ...Option) *Store {
	s := &Store{
		db:        db,
		reg:       reg,
		domain:    codec.NewJSON(reg, event.FamilyDomain),
		snapshots: codec.NewJSON(reg, event.FamilySnapshot),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendRequest appends a batch of events to one stream.
type AppendRequest struct {
	StreamID   uuid.UUID
	StreamName string
	Events     []event.Event
	// ExpectedVersion enables the optimistic concurrency check when
	// set; nil appends unconditionally after the current version.
	ExpectedVersion *int64
	Metadata        event.Metadata
}

// AppendResult reports the version window an append produced.
type AppendResult struct {
	AssignedIDs  []uuid.UUID
	NextVersion  int64
	PriorVersion int64
}

// AppendToStream implements the append algorithm: filter to domain
// events, check the expected version, assign contiguous versions,
// encode, and insert as one repository call. The unique constraint on
// (stream_id, stream_version) is the last line of defence; a violation
// surfaces as *ConcurrencyError.
func (s *Store) AppendToStream(ctx context.Context, uow storage.UnitOfWork, req AppendRequest) (*AppendResult, error) {
	domainEvents := make([]event.Event, 0, len(req.Events))
	for _, e := range req.Events {
		if fam, ok := s.reg.FamilyOf(e); ok && fam == event.FamilyDomain {
			domainEvents = append(domainEvents, e)
		}
	}
	if len(domainEvents) == 0 {
		prior := int64(-1)
		if req.ExpectedVersion != nil {
			prior = *req.ExpectedVersion
		}
		return &AppendResult{NextVersion: prior + 1, PriorVersion: prior}, nil
	}

	repo := uow.DomainEvents()
	current, deleted, err := currentVersion(ctx, repo, req.StreamID)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, ErrStreamDeleted
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != current {
		return nil, &ConcurrencyError{StreamID: req.StreamID, Expected: *req.ExpectedVersion, Actual: current}
	}

	md := req.Metadata
	if s.extract != nil {
		md = s.extract(ctx).Merge(req.Metadata)
	}

	now := s.now().UTC()
	recs := make([]*storage.DomainEventRecord, 0, len(domainEvents))
	ids := make([]uuid.UUID, 0, len(domainEvents))
	for i, e := range domainEvents {
		name, payload, err := s.domain.Encode(e)
		if err != nil {
			return nil, err
		}
		id := uuid.New()
		ids = append(ids, id)
		recs = append(recs, &storage.DomainEventRecord{
			EventID:       id,
			StreamID:      req.StreamID,
			StreamName:    req.StreamName,
			StreamVersion: current + 1 + int64(i),
			EventName:     name,
			Payload:       payload,
			CausationID:   md.CausationID,
			CorrelationID: md.CorrelationID,
			Status:        storage.EventActive,
			CreatedOn:     now,
		})
	}

	if err := repo.Insert(ctx, recs); err != nil {
		if errors.Is(err, storage.ErrUniqueViolation) {
			expected := current
			if req.ExpectedVersion != nil {
				expected = *req.ExpectedVersion
			}
			return nil, &ConcurrencyError{StreamID: req.StreamID, Expected: expected, Actual: current}
		}
		return nil, err
	}

	return &AppendResult{
		AssignedIDs:  ids,
		NextVersion:  current + int64(len(recs)),
		PriorVersion: current,
	}, nil
}

// currentVersion reads the head of a stream: its highest version
// regardless of status, and whether the stream is soft-deleted.
func currentVersion(ctx context.Context, repo storage.Repository[*storage.DomainEventRecord], streamID uuid.UUID) (int64, bool, error) {
	head, err := repo.QueryFirst(ctx, storage.Filter{
		Where:   storage.Clause{Conds: []storage.Cond{storage.Eq(storage.FieldStreamID, streamID)}},
		OrderBy: []storage.Order{storage.Desc(storage.FieldStreamVersion)},
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return -1, false, nil
		}
		return 0, false, err
	}
	return head.StreamVersion, head.Status == storage.EventDeleted, nil
}
