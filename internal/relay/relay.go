// Package relay moves integration events between the durable outbox /
// inbox tables and the broker: an outbound poll loop that drains the
// outbox to Kafka, and an inbound ingestor that admits consumed
// messages through the inbox before handing them to application code.
package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eventfold/eventfold/internal/codec"
	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/metrics"
	"github.com/eventfold/eventfold/internal/outbox"
	"github.com/eventfold/eventfold/internal/storage"
)

// Config tunes the outbound poll loop. Zero values fall back to the
// outbox defaults.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	Visibility   time.Duration
}

// Relay is the outbound worker: claim a batch from the outbox, publish
// each event, then settle the batch as published or scheduled for
// retry. Claims survive the publish step, so a crash mid-batch leaves
// leased rows that expire back into circulation.
type Relay struct {
	db       storage.DB
	outbox   *outbox.Outbox
	producer Producer
	codec    *codec.JSON
	cfg      Config
	logger   zerolog.Logger
}

// New builds a Relay over the given engine and producer.
func New(db storage.DB, reg *event.Registry, ob *outbox.Outbox, producer Producer, cfg Config) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Relay{
		db:       db,
		outbox:   ob,
		producer: producer,
		codec:    codec.NewJSON(reg, event.FamilyIntegration),
		cfg:      cfg,
		logger:   log.With().Str("component", "relay").Logger(),
	}
}

// Run polls until ctx is cancelled, then closes the producer. A poll
// error is logged and retried after the interval; it never kills the
// loop.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().Int("batch", r.cfg.BatchSize).Dur("interval", r.cfg.PollInterval).Msg("relay started")
	defer r.logger.Info().Msg("relay stopped")

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	for {
		n, err := r.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error().Err(err).Msg("relay poll failed")
		}
		if n > 0 && err == nil {
			// More work is likely waiting; skip the idle sleep.
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
		case <-timer.C:
			continue
		}
		break
	}

	if err := r.producer.Close(); err != nil {
		r.logger.Error().Err(err).Msg("producer close failed")
	}
	return ctx.Err()
}

// poll runs one dequeue/publish/settle round and reports how many
// events it published.
func (r *Relay) poll(ctx context.Context) (int, error) {
	obs := prometheus.NewTimer(metrics.RelayPollDuration)
	defer obs.ObserveDuration()

	envs, err := r.claim(ctx)
	if err != nil || len(envs) == 0 {
		return 0, err
	}

	var published []event.Envelope
	var failures []outbox.Failure
	for _, env := range envs {
		if err := r.publish(ctx, env); err != nil {
			r.logger.Warn().Err(err).Stringer("event_id", env.EventID).Str("event_name", env.EventName).
				Msg("publish failed, scheduling retry")
			failures = append(failures, outbox.Failure{EventID: env.EventID, Err: err})
			continue
		}
		published = append(published, env)
	}

	if err := r.settle(ctx, published, failures); err != nil {
		return len(published), err
	}
	r.logger.Debug().Int("published", len(published)).Int("failed", len(failures)).Msg("poll round settled")
	return len(published), nil
}

// claim dequeues a batch in its own transaction so the leases are
// durable before any publish happens.
func (r *Relay) claim(ctx context.Context) ([]event.Envelope, error) {
	uow, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	envs, err := r.outbox.Dequeue(ctx, uow, r.cfg.BatchSize, r.cfg.Visibility)
	if err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return envs, nil
}

func (r *Relay) publish(ctx context.Context, env event.Envelope) error {
	body, err := marshalWire(r.codec, env)
	if err != nil {
		return err
	}
	return r.producer.Publish(ctx, []byte(env.EventID.String()), body)
}

func (r *Relay) settle(ctx context.Context, published []event.Envelope, failures []outbox.Failure) error {
	if len(published) > 0 {
		uow, err := r.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer uow.Rollback(ctx)
		ids := make([]uuid.UUID, len(published))
		for i, env := range published {
			ids[i] = env.EventID
		}
		if err := r.outbox.Complete(ctx, uow, ids); err != nil {
			return err
		}
		if err := uow.Commit(ctx); err != nil {
			return err
		}
	}
	if len(failures) > 0 {
		if err := r.outbox.Fail(ctx, failures); err != nil {
			return err
		}
	}
	return nil
}
