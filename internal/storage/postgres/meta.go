package postgres

import (
	"github.com/eventfold/eventfold/internal/storage"
)

var domainMeta = meta[*storage.DomainEventRecord]{
	table: "domain_events",
	insertCols: []string{
		"event_id", "stream_id", "stream_name", "stream_version",
		"event_name", "payload", "causation_id", "correlation_id",
		"status", "created_on", "updated_on", "deleted_on",
	},
	insertVals: func(r *storage.DomainEventRecord) []any {
		return []any{
			r.EventID, r.StreamID, r.StreamName, r.StreamVersion,
			r.EventName, r.Payload, r.CausationID, r.CorrelationID,
			string(r.Status), r.CreatedOn, r.UpdatedOn, r.DeletedOn,
		}
	},
	selectCols: []string{
		"event_id", "stream_id", "stream_name", "stream_version", "sequence",
		"event_name", "payload", "causation_id", "correlation_id",
		"status", "created_on", "updated_on", "deleted_on",
	},
	scan: func(s scanner) (*storage.DomainEventRecord, error) {
		var r storage.DomainEventRecord
		var status string
		if err := s.Scan(
			&r.EventID, &r.StreamID, &r.StreamName, &r.StreamVersion, &r.Sequence,
			&r.EventName, &r.Payload, &r.CausationID, &r.CorrelationID,
			&status, &r.CreatedOn, &r.UpdatedOn, &r.DeletedOn,
		); err != nil {
			return nil, err
		}
		r.Status = storage.EventStatus(status)
		return &r, nil
	},
	seqIdentity: true,
	setSeq: func(r *storage.DomainEventRecord, seq int64) {
		r.Sequence = seq
	},
}

var snapshotMeta = meta[*storage.SnapshotRecord]{
	table: "snapshot_events",
	insertCols: []string{
		"event_id", "owner_id", "sequence", "event_name",
		"payload", "status", "created_on",
	},
	insertVals: func(r *storage.SnapshotRecord) []any {
		return []any{
			r.EventID, r.OwnerID, r.Sequence, r.EventName,
			r.Payload, string(r.Status), r.CreatedOn,
		}
	},
	selectCols: []string{
		"event_id", "owner_id", "sequence", "event_name",
		"payload", "status", "created_on",
	},
	scan: func(s scanner) (*storage.SnapshotRecord, error) {
		var r storage.SnapshotRecord
		var status string
		if err := s.Scan(
			&r.EventID, &r.OwnerID, &r.Sequence, &r.EventName,
			&r.Payload, &status, &r.CreatedOn,
		); err != nil {
			return nil, err
		}
		r.Status = storage.EventStatus(status)
		return &r, nil
	},
}

var outboxMeta = meta[*storage.OutboxRecord]{
	table: "outbox_events",
	insertCols: []string{
		"event_id", "event_name", "payload", "status", "attempt_count",
		"next_attempt_on", "claim_id", "error_message",
		"correlation_id", "causation_id", "created_on", "updated_on",
	},
	insertVals: func(r *storage.OutboxRecord) []any {
		return []any{
			r.EventID, r.EventName, r.Payload, string(r.Status), r.AttemptCount,
			r.NextAttemptOn, r.ClaimID, r.ErrorMessage,
			r.CorrelationID, r.CausationID, r.CreatedOn, r.UpdatedOn,
		}
	},
	selectCols: []string{
		"event_id", "event_name", "payload", "status", "attempt_count",
		"next_attempt_on", "claim_id", "error_message",
		"correlation_id", "causation_id", "sequence", "created_on", "updated_on",
	},
	scan: func(s scanner) (*storage.OutboxRecord, error) {
		var r storage.OutboxRecord
		var status string
		if err := s.Scan(
			&r.EventID, &r.EventName, &r.Payload, &status, &r.AttemptCount,
			&r.NextAttemptOn, &r.ClaimID, &r.ErrorMessage,
			&r.CorrelationID, &r.CausationID, &r.Sequence, &r.CreatedOn, &r.UpdatedOn,
		); err != nil {
			return nil, err
		}
		r.Status = storage.DeliveryStatus(status)
		return &r, nil
	},
	seqIdentity: true,
	setSeq: func(r *storage.OutboxRecord, seq int64) {
		r.Sequence = seq
	},
}

var inboxMeta = meta[*storage.InboxRecord]{
	table: "inbox_events",
	insertCols: []string{
		"event_id", "consumer", "event_name", "payload", "status", "attempt_count",
		"next_attempt_on", "claim_id", "error_message",
		"correlation_id", "causation_id", "created_on", "updated_on",
	},
	insertVals: func(r *storage.InboxRecord) []any {
		return []any{
			r.EventID, r.Consumer, r.EventName, r.Payload, string(r.Status), r.AttemptCount,
			r.NextAttemptOn, r.ClaimID, r.ErrorMessage,
			r.CorrelationID, r.CausationID, r.CreatedOn, r.UpdatedOn,
		}
	},
	selectCols: []string{
		"event_id", "consumer", "event_name", "payload", "status", "attempt_count",
		"next_attempt_on", "claim_id", "error_message",
		"correlation_id", "causation_id", "sequence", "created_on", "updated_on",
	},
	scan: func(s scanner) (*storage.InboxRecord, error) {
		var r storage.InboxRecord
		var status string
		if err := s.Scan(
			&r.EventID, &r.Consumer, &r.EventName, &r.Payload, &status, &r.AttemptCount,
			&r.NextAttemptOn, &r.ClaimID, &r.ErrorMessage,
			&r.CorrelationID, &r.CausationID, &r.Sequence, &r.CreatedOn, &r.UpdatedOn,
		); err != nil {
			return nil, err
		}
		r.Status = storage.DeliveryStatus(status)
		return &r, nil
	},
	seqIdentity: true,
	setSeq: func(r *storage.InboxRecord, seq int64) {
		r.Sequence = seq
	},
}
