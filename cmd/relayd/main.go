package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eventfold/eventfold/internal/config"
	"github.com/eventfold/eventfold/internal/db"
	"github.com/eventfold/eventfold/internal/event"
	"github.com/eventfold/eventfold/internal/httpapi"
	"github.com/eventfold/eventfold/internal/inbox"
	"github.com/eventfold/eventfold/internal/metrics"
	"github.com/eventfold/eventfold/internal/outbox"
	"github.com/eventfold/eventfold/internal/relay"
	"github.com/eventfold/eventfold/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file (env vars override)")
	flag.Parse()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "eventfold-relayd").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Pretty logging for local dev
	if cfg.Env == "development" || cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection and schema
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	metrics.Register()

	reg := event.NewRegistry()
	store := postgres.New(pool)
	ob := outbox.New(store, reg, outbox.WithVisibilityTimeout(cfg.Relay.Visibility()))
	ib := inbox.New(store, reg, inbox.WithVisibilityTimeout(cfg.Relay.Visibility()))

	producer, err := relay.NewKafkaProducer(relay.KafkaProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build kafka producer")
	}

	worker := relay.New(store, reg, ob, producer, relay.Config{
		BatchSize:    cfg.Relay.BatchSize,
		PollInterval: cfg.Relay.PollInterval(),
		Visibility:   cfg.Relay.Visibility(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	ingestDone := make(chan struct{})
	if cfg.Kafka.Ingest {
		ingestor, err := relay.NewIngestor(relay.IngestorConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			Consumer: cfg.Kafka.ConsumerName(),
		}, store, reg, ib, logOnly)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build ingestor")
		}
		go func() {
			defer close(ingestDone)
			ingestor.Run(ctx)
		}()
	} else {
		close(ingestDone)
	}

	// HTTP server setup
	srv := &httpapi.Server{Pool: pool}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	<-done
	<-ingestDone

	log.Info().Msg("relayd stopped")
}

// logOnly is the default ingest handler: the inbox records delivery,
// downstream projections plug in their own handler.
func logOnly(_ context.Context, env event.Envelope) error {
	log.Info().Stringer("event_id", env.EventID).Str("event_name", env.EventName).Msg("integration event received")
	return nil
}
