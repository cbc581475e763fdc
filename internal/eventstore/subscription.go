package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/metrics"
	"github.com/eventfold/eventfold/internal/storage"
)

// OnEvent handles one delivered envelope. Returning an error tears the
// subscription down; the error is surfaced by Err and Close.
type OnEvent func(context.Context, event.Envelope) error

// SubscribeToStreamRequest starts a live poll over one stream. Delivery
// begins at FromVersion inclusive.
type SubscribeToStreamRequest struct {
	StreamID        uuid.UUID
	FromVersion     int64
	PollingInterval time.Duration
	BatchSize       int
	OnEvent         OnEvent
}

// SubscribeToAllStreamsRequest starts a live poll over the global
// sequence. Delivery begins at FromPosition inclusive.
type SubscribeToAllStreamsRequest struct {
	FromPosition    int64
	PollingInterval time.Duration
	BatchSize       int
	OnEvent         OnEvent
}

// Subscription is a scoped background poll loop. It owns a cancellation
// scope linked to the caller's context; Close cancels the loop, awaits
// its termination and swallows the cancellation itself.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done closes when the loop has terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the error that stopped the loop, nil while running or
// after a clean shutdown.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// Close cancels the subscription and waits for the loop to exit.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return s.Err()
}

// SubscribeToStream delivers a stream's events, in version order, to
// the handler until the subscription is closed.
func (s *Store) SubscribeToStream(ctx context.Context, req SubscribeToStreamRequest) (*Subscription, error) {
	if req.OnEvent == nil {
		return nil, fmt.Errorf("%w: nil OnEvent handler", storage.ErrInvalidArgument)
	}
	fetch := func(fetchCtx context.Context, after int64, limit int) (storage.Rows[*storage.DomainEventRecord], error) {
		return s.db.DomainEvents().Query(fetchCtx, storage.Filter{
			Where: storage.Clause{Conds: []storage.Cond{
				storage.Eq(storage.FieldStreamID, req.StreamID),
				storage.Gt(storage.FieldStreamVersion, after),
				storage.Eq(storage.FieldStatus, storage.EventActive),
			}},
			OrderBy: []storage.Order{storage.Asc(storage.FieldStreamVersion)},
			Limit:   limit,
		})
	}
	cursorOf := func(rec *storage.DomainEventRecord) int64 { return rec.StreamVersion }
	return s.startSubscription(ctx, "stream", req.FromVersion-1, req.PollingInterval, req.BatchSize, req.OnEvent, fetch, cursorOf), nil
}

// SubscribeToAll delivers every committed event across streams, in
// global sequence order, to the handler until the subscription is
// closed.
func (s *Store) SubscribeToAll(ctx context.Context, req SubscribeToAllStreamsRequest) (*Subscription, error) {
	if req.OnEvent == nil {
		return nil, fmt.Errorf("%w: nil OnEvent handler", storage.ErrInvalidArgument)
	}
	fetch := func(fetchCtx context.Context, after int64, limit int) (storage.Rows[*storage.DomainEventRecord], error) {
		return s.db.DomainEvents().Query(fetchCtx, storage.Filter{
			Where: storage.Clause{Conds: []storage.Cond{
				storage.Gt(storage.FieldSequence, after),
				storage.Eq(storage.FieldStatus, storage.EventActive),
			}},
			OrderBy: []storage.Order{storage.Asc(storage.FieldSequence)},
			Limit:   limit,
		})
	}
	cursorOf := func(rec *storage.DomainEventRecord) int64 { return rec.Sequence }
	return s.startSubscription(ctx, "all", req.FromPosition-1, req.PollingInterval, req.BatchSize, req.OnEvent, fetch, cursorOf), nil
}

type fetchFunc func(ctx context.Context, after int64, limit int) (storage.Rows[*storage.DomainEventRecord], error)

func (s *Store) startSubscription(
	ctx context.Context,
	scope string,
	lastCursor int64,
	interval time.Duration,
	batch int,
	handler OnEvent,
	fetch fetchFunc,
	cursorOf func(*storage.DomainEventRecord) int64,
) *Subscription {
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	if batch <= 0 {
		batch = DefaultSubscriptionBatch
	}
	loopCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		err := s.runSubscription(loopCtx, scope, lastCursor, interval, batch, handler, fetch, cursorOf)
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("scope", scope).Msg("subscription stopped")
		}
	}()
	return sub
}

func (s *Store) runSubscription(
	ctx context.Context,
	scope string,
	lastCursor int64,
	interval time.Duration,
	batch int,
	handler OnEvent,
	fetch fetchFunc,
	cursorOf func(*storage.DomainEventRecord) int64,
) error {
	logger := log.With().Str("component", "subscription").Str("scope", scope).Logger()
	logger.Debug().Int64("cursor", lastCursor).Msg("subscription started")
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := storage.Collect(fetch(ctx, lastCursor, batch))
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		for _, rec := range recs {
			env, err := decodeDomain(s.domain, rec)
			if err != nil {
				return err
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
			lastCursor = cursorOf(rec)
			metrics.SubscriptionDelivered.WithLabelValues(scope).Inc()
		}
		metrics.SubscriptionCursor.WithLabelValues(scope).Set(float64(lastCursor))
	}
}
