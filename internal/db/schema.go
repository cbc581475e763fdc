package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Schema statements are idempotent so EnsureSchema can run on every
// startup. Sequence columns are identity columns: global order per
// table is assigned by the engine at insert time.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS domain_events (
		event_id        UUID PRIMARY KEY,
		stream_id       UUID NOT NULL,
		stream_name     VARCHAR(450) NOT NULL DEFAULT '',
		stream_version  BIGINT NOT NULL,
		sequence        BIGINT GENERATED ALWAYS AS IDENTITY,
		event_name      VARCHAR(255) NOT NULL,
		payload         BYTEA NOT NULL,
		causation_id    VARCHAR(64) NOT NULL DEFAULT '',
		correlation_id  VARCHAR(64) NOT NULL DEFAULT '',
		status          VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
		created_on      TIMESTAMPTZ NOT NULL,
		updated_on      TIMESTAMPTZ,
		deleted_on      TIMESTAMPTZ,
		CONSTRAINT domain_events_stream_version_key UNIQUE (stream_id, stream_version)
	)`,
	`CREATE INDEX IF NOT EXISTS domain_events_stream_id_idx ON domain_events (stream_id)`,
	`CREATE INDEX IF NOT EXISTS domain_events_stream_name_idx ON domain_events (stream_name)`,
	`CREATE INDEX IF NOT EXISTS domain_events_sequence_idx ON domain_events (sequence)`,

	`CREATE TABLE IF NOT EXISTS snapshot_events (
		event_id    UUID PRIMARY KEY,
		owner_id    UUID NOT NULL,
		sequence    BIGINT NOT NULL,
		event_name  VARCHAR(255) NOT NULL,
		payload     BYTEA NOT NULL,
		status      VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
		created_on  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS snapshot_events_owner_id_idx ON snapshot_events (owner_id)`,
	`CREATE INDEX IF NOT EXISTS snapshot_events_sequence_idx ON snapshot_events (sequence)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		event_id        UUID PRIMARY KEY,
		event_name      VARCHAR(255) NOT NULL,
		payload         BYTEA NOT NULL,
		status          VARCHAR(16) NOT NULL DEFAULT 'PENDING',
		attempt_count   BIGINT NOT NULL DEFAULT 0,
		next_attempt_on TIMESTAMPTZ,
		claim_id        UUID,
		error_message   TEXT NOT NULL DEFAULT '',
		correlation_id  VARCHAR(64) NOT NULL DEFAULT '',
		causation_id    VARCHAR(64) NOT NULL DEFAULT '',
		sequence        BIGINT GENERATED ALWAYS AS IDENTITY,
		created_on      TIMESTAMPTZ NOT NULL,
		updated_on      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_claim_id_idx ON outbox_events (claim_id)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_dispatch_idx ON outbox_events (status, next_attempt_on, sequence)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_retry_idx ON outbox_events (status, attempt_count, next_attempt_on)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_sequence_idx ON outbox_events (sequence)`,

	`CREATE TABLE IF NOT EXISTS inbox_events (
		event_id        UUID NOT NULL,
		consumer        VARCHAR(255) NOT NULL,
		event_name      VARCHAR(255) NOT NULL,
		payload         BYTEA NOT NULL,
		status          VARCHAR(16) NOT NULL DEFAULT 'PROCESSING',
		attempt_count   BIGINT NOT NULL DEFAULT 0,
		next_attempt_on TIMESTAMPTZ,
		claim_id        UUID,
		error_message   TEXT NOT NULL DEFAULT '',
		correlation_id  VARCHAR(64) NOT NULL DEFAULT '',
		causation_id    VARCHAR(64) NOT NULL DEFAULT '',
		sequence        BIGINT GENERATED ALWAYS AS IDENTITY,
		created_on      TIMESTAMPTZ NOT NULL,
		updated_on      TIMESTAMPTZ,
		CONSTRAINT inbox_events_pkey PRIMARY KEY (event_id, consumer)
	)`,
	`CREATE INDEX IF NOT EXISTS inbox_events_claim_id_idx ON inbox_events (claim_id)`,
	`CREATE INDEX IF NOT EXISTS inbox_events_dispatch_idx ON inbox_events (status, next_attempt_on, sequence)`,
	`CREATE INDEX IF NOT EXISTS inbox_events_retry_idx ON inbox_events (status, attempt_count, next_attempt_on)`,
	`CREATE INDEX IF NOT EXISTS inbox_events_sequence_idx ON inbox_events (sequence)`,
}

// EnsureSchema applies the substrate schema. Safe to call on every boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	log.Info().Int("statements", len(schemaStatements)).Msg("schema ensured")
	return nil
}
