package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/eventfold/eventfold/internal/codec"
	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/inbox"
	"github.com/eventfold/eventfold/internal/storage"
)

// Handler processes one admitted envelope exactly once per consumer.
type Handler func(context.Context, event.Envelope) error

// IngestorConfig configures the inbound consumer.
type IngestorConfig struct {
	// Brokers is the list of broker addresses (host:port).
	Brokers []string

	// Topic is the topic integration events are consumed from.
	Topic string

	// GroupID is the consumer group the reader joins.
	GroupID string

	// Consumer is the logical consumer name used for inbox
	// deduplication. Defaults to GroupID when empty.
	Consumer string
}

// Ingestor consumes integration events from the broker and funnels
// them through the inbox before invoking the handler. Duplicates and
// events another worker already owns are acknowledged and skipped;
// handler failures are parked with backoff and re-admitted on the next
// delivery.
type Ingestor struct {
	reader   *kafka.Reader
	db       storage.DB
	inbox    *inbox.Inbox
	codec    *codec.JSON
	consumer string
	handler  Handler
	logger   zerolog.Logger
}

// NewIngestor builds an ingestor, validating required config.
func NewIngestor(cfg IngestorConfig, db storage.DB, reg *event.Registry, ib *inbox.Inbox, handler Handler) (*Ingestor, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: consumer group required")
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", storage.ErrInvalidArgument)
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = cfg.GroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // explicit commits only
	})

	return &Ingestor{
		reader:   reader,
		db:       db,
		inbox:    ib,
		codec:    codec.NewJSON(reg, event.FamilyIntegration),
		consumer: consumer,
		handler:  handler,
		logger:   log.With().Str("component", "ingestor").Str("consumer", consumer).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled, then closes the reader.
func (g *Ingestor) Run(ctx context.Context) error {
	g.logger.Info().Msg("ingestor started")
	defer g.logger.Info().Msg("ingestor stopped")

	for {
		msg, err := g.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			g.logger.Error().Err(err).Msg("fetch failed")
			time.Sleep(time.Second)
			continue
		}
		if err := g.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			g.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("process failed")
			time.Sleep(time.Second)
			continue
		}
		if err := g.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			g.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("offset commit failed")
		}
	}

	if err := g.reader.Close(); err != nil {
		g.logger.Error().Err(err).Msg("reader close failed")
	}
	return ctx.Err()
}

// process admits one message through the inbox. A returned error means
// the offset must not be committed; redelivery will retry.
func (g *Ingestor) process(ctx context.Context, msg kafka.Message) error {
	env, err := unmarshalWire(g.codec, msg.Value)
	if err != nil {
		// Undecodable messages can never succeed; acknowledge and move on.
		g.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable message")
		return nil
	}
	logger := g.logger.With().Stringer("event_id", env.EventID).Str("event_name", env.EventName).Logger()

	res, err := g.admit(ctx, env)
	if err != nil {
		return err
	}
	switch res {
	case inbox.ResultDuplicate:
		logger.Debug().Msg("duplicate delivery ignored")
		return nil
	case inbox.ResultProcessing:
		// Another worker holds the claim, or a failed attempt is still
		// waiting out its backoff. The next delivery re-evaluates.
		logger.Debug().Msg("event owned elsewhere, acknowledged")
		return nil
	}

	if err := g.handler(ctx, env); err != nil {
		logger.Warn().Err(err).Msg("handler failed, scheduling retry")
		if failErr := g.inbox.Fail(ctx, []inbox.Failure{{EventID: env.EventID, Consumer: g.consumer, Err: err}}); failErr != nil {
			return failErr
		}
		// Keep the offset uncommitted so the group redelivers; the inbox
		// row re-admits once its backoff elapses.
		return fmt.Errorf("handler: %w", err)
	}
	return g.complete(ctx, env)
}

// admit records the claim in its own transaction so it is durable
// before the handler runs.
func (g *Ingestor) admit(ctx context.Context, env event.Envelope) (inbox.Result, error) {
	uow, err := g.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer uow.Rollback(ctx)
	res, err := g.inbox.Receive(ctx, uow, env, g.consumer)
	if err != nil {
		return 0, err
	}
	if err := uow.Commit(ctx); err != nil {
		return 0, err
	}
	return res, nil
}

func (g *Ingestor) complete(ctx context.Context, env event.Envelope) error {
	uow, err := g.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback(ctx)
	if err := g.inbox.Complete(ctx, uow, []inbox.Completion{{EventID: env.EventID, Consumer: g.consumer}}); err != nil {
		return err
	}
	return uow.Commit(ctx)
}
