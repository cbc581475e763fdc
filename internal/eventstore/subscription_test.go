package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/event"
)

// collector gathers delivered envelopes and signals when a target count
// is reached.
type collector struct {
	mu     sync.Mutex
	envs   []event.Envelope
	target int
	ready  chan struct{}
}

func newCollector(target int) *collector {
	return &collector{target: target, ready: make(chan struct{})}
}

func (c *collector) onEvent(_ context.Context, env event.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	if len(c.envs) == c.target {
		close(c.ready)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []event.Envelope {
	t.Helper()
	select {
	case <-c.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Envelope(nil), c.envs...)
}

func TestSubscribeToStreamDeliversInOrder(t *testing.T) {
	db, s := newTestStore(t)
	ctx := context.Background()
	streamID := uuid.New()

	appendEvents(t, db, s, AppendRequest{StreamID: streamID, StreamName: "order",
		Events: []event.Event{&orderPlaced{OrderID: "o-1"}, &orderPaid{OrderID: "o-1"}}})

	col := newCollector(3)
	sub, err := s.SubscribeToStream(ctx, SubscribeToStreamRequest{
		StreamID:        streamID,
		FromVersion:     0,
		PollingInterval: 10 * time.Millisecond,
		OnEvent:         col.onEvent,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// A live append is picked up by the poll loop.
	appendEvents(t, db, s, AppendRequest{StreamID: streamID, StreamName: "order",
		Events: []event.Event{&orderPaid{OrderID: "o-1"}}})

	envs := col.wait(t)
	for i, env := range envs {
		if env.StreamVersion != int64(i) {
			t.Errorf("delivery %d has version %d", i, env.StreamVersion)
		}
	}
}

func TestSubscribeFromVersionIsInclusive(t *testing.T) {
	db, s := newTestStore(t)
	streamID := uuid.New()

	appendEvents(t, db, s, AppendRequest{StreamID: streamID, StreamName: "order",
		Events: []event.Event{
			&orderPlaced{OrderID: "o-1"},
			&orderPaid{OrderID: "o-1"},
			&orderPaid{OrderID: "o-1"},
		}})

	col := newCollector(2)
	sub, err := s.SubscribeToStream(context.Background(), SubscribeToStreamRequest{
		StreamID:        streamID,
		FromVersion:     1,
		PollingInterval: 10 * time.Millisecond,
		OnEvent:         col.onEvent,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	envs := col.wait(t)
	if envs[0].StreamVersion != 1 || envs[1].StreamVersion != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", envs[0].StreamVersion, envs[1].StreamVersion)
	}
}

func TestSubscribeToAllCrossesStreams(t *testing.T) {
	db, s := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	appendEvents(t, db, s, AppendRequest{StreamID: a, StreamName: "order",
		Events: []event.Event{&orderPlaced{OrderID: "a"}}})
	appendEvents(t, db, s, AppendRequest{StreamID: b, StreamName: "order",
		Events: []event.Event{&orderPlaced{OrderID: "b"}}})

	col := newCollector(2)
	sub, err := s.SubscribeToAll(context.Background(), SubscribeToAllStreamsRequest{
		FromPosition:    1,
		PollingInterval: 10 * time.Millisecond,
		OnEvent:         col.onEvent,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	envs := col.wait(t)
	if envs[0].Sequence != 1 || envs[1].Sequence != 2 {
		t.Errorf("sequences = %d, %d; want 1, 2", envs[0].Sequence, envs[1].Sequence)
	}
}

func TestHandlerErrorStopsSubscription(t *testing.T) {
	db, s := newTestStore(t)
	streamID := uuid.New()

	appendEvents(t, db, s, AppendRequest{StreamID: streamID, StreamName: "order",
		Events: []event.Event{&orderPlaced{OrderID: "o-1"}}})

	boom := errors.New("projection offline")
	sub, err := s.SubscribeToStream(context.Background(), SubscribeToStreamRequest{
		StreamID:        streamID,
		FromVersion:     0,
		PollingInterval: 10 * time.Millisecond,
		OnEvent:         func(context.Context, event.Envelope) error { return boom },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop on handler error")
	}
	if !errors.Is(sub.Err(), boom) {
		t.Fatalf("Err() = %v, want handler error", sub.Err())
	}
	if !errors.Is(sub.Close(), boom) {
		t.Fatal("Close must surface the stored error")
	}
}

func TestCloseSwallowsCancellation(t *testing.T) {
	_, s := newTestStore(t)

	sub, err := s.SubscribeToStream(context.Background(), SubscribeToStreamRequest{
		StreamID:        uuid.New(),
		PollingInterval: 10 * time.Millisecond,
		OnEvent:         func(context.Context, event.Envelope) error { return nil },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close on idle subscription = %v, want nil", err)
	}
}

func TestSubscribeRequiresHandler(t *testing.T) {
	_, s := newTestStore(t)
	if _, err := s.SubscribeToStream(context.Background(), SubscribeToStreamRequest{StreamID: uuid.New()}); err == nil {
		t.Fatal("nil handler must be rejected")
	}
	if _, err := s.SubscribeToAll(context.Background(), SubscribeToAllStreamsRequest{}); err == nil {
		t.Fatal("nil handler must be rejected")
	}
}
