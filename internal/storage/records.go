package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the lifecycle of a domain or snapshot record.
type EventStatus string

const (
	EventActive  EventStatus = "ACTIVE"
	EventDeleted EventStatus = "DELETED"
)

// DeliveryStatus is the lifecycle of an outbox or inbox record.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryProcessing DeliveryStatus = "PROCESSING"
	DeliveryPublished  DeliveryStatus = "PUBLISHED"
	DeliveryOnError    DeliveryStatus = "ONERROR"
)

// Field names shared by filters, assignments and both engines. They are
// the column names of the persistence schema.
const (
	FieldEventID       = "event_id"
	FieldStreamID      = "stream_id"
	FieldStreamName    = "stream_name"
	FieldStreamVersion = "stream_version"
	FieldOwnerID       = "owner_id"
	FieldConsumer      = "consumer"
	FieldSequence      = "sequence"
	FieldEventName     = "event_name"
	FieldPayload       = "payload"
	FieldCausationID   = "causation_id"
	FieldCorrelationID = "correlation_id"
	FieldStatus        = "status"
	FieldAttemptCount  = "attempt_count"
	FieldNextAttemptOn = "next_attempt_on"
	FieldClaimID       = "claim_id"
	FieldErrorMessage  = "error_message"
	FieldCreatedOn     = "created_on"
	FieldUpdatedOn     = "updated_on"
	FieldDeletedOn     = "deleted_on"
)

// Entity is the contract records expose so engines can evaluate filters
// and apply assignments without reflection.
type Entity interface {
	// Get returns the field value, or nil when a nullable field is unset.
	Get(field string) (any, error)
	// Set assigns the field; nil clears a nullable field.
	Set(field string, v any) error
	// Clone returns an independent copy, used by the memory engine's
	// undo journal and result sets.
	Clone() Entity
}

func unknownField(entity, field string) error {
	return fmt.Errorf("%w: %s has no field %q", ErrInvalidArgument, entity, field)
}

// DomainEventRecord is one committed event of one stream.
type DomainEventRecord struct {
	EventID       uuid.UUID
	StreamID      uuid.UUID
	StreamName    string
	StreamVersion int64
	Sequence      int64
	EventName     string
	Payload       []byte
	CausationID   string
	CorrelationID string
	Status        EventStatus
	CreatedOn     time.Time
	UpdatedOn     *time.Time
	DeletedOn     *time.Time
}

func (r *DomainEventRecord) Get(field string) (any, error) {
	switch field {
	case FieldEventID:
		return r.EventID, nil
	case FieldStreamID:
		return r.StreamID, nil
	case FieldStreamName:
		return r.StreamName, nil
	case FieldStreamVersion:
		return r.StreamVersion, nil
	case FieldSequence:
		return r.Sequence, nil
	case FieldEventName:
		return r.EventName, nil
	case FieldPayload:
		return r.Payload, nil
	case FieldCausationID:
		return r.CausationID, nil
	case FieldCorrelationID:
		return r.CorrelationID, nil
	case FieldStatus:
		return string(r.Status), nil
	case FieldCreatedOn:
		return r.CreatedOn, nil
	case FieldUpdatedOn:
		return timeOrNil(r.UpdatedOn), nil
	case FieldDeletedOn:
		return timeOrNil(r.DeletedOn), nil
	}
	return nil, unknownField("domain event", field)
}

func (r *DomainEventRecord) Set(field string, v any) error {
	switch field {
	case FieldStatus:
		r.Status = EventStatus(v.(string))
	case FieldSequence:
		r.Sequence = v.(int64)
	case FieldUpdatedOn:
		r.UpdatedOn = timePtr(v)
	case FieldDeletedOn:
		r.DeletedOn = timePtr(v)
	default:
		return unknownField("domain event", field)
	}
	return nil
}

func (r *DomainEventRecord) Clone() Entity {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.UpdatedOn = copyTime(r.UpdatedOn)
	c.DeletedOn = copyTime(r.DeletedOn)
	return &c
}

// SnapshotRecord is a materialized aggregate state keyed by its owner.
type SnapshotRecord struct {
	EventID   uuid.UUID
	OwnerID   uuid.UUID
	Sequence  int64
	EventName string
	Payload   []byte
	Status    EventStatus
	CreatedOn time.Time
}

func (r *SnapshotRecord) Get(field string) (any, error) {
	switch field {
	case FieldEventID:
		return r.EventID, nil
	case FieldOwnerID:
		return r.OwnerID, nil
	case FieldSequence:
		return r.Sequence, nil
	case FieldEventName:
		return r.EventName, nil
	case FieldPayload:
		return r.Payload, nil
	case FieldStatus:
		return string(r.Status), nil
	case FieldCreatedOn:
		return r.CreatedOn, nil
	}
	return nil, unknownField("snapshot", field)
}

func (r *SnapshotRecord) Set(field string, v any) error {
	switch field {
	case FieldStatus:
		r.Status = EventStatus(v.(string))
	case FieldSequence:
		r.Sequence = v.(int64)
	default:
		return unknownField("snapshot", field)
	}
	return nil
}

func (r *SnapshotRecord) Clone() Entity {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}

// OutboxRecord is one outbound integration event awaiting publication.
type OutboxRecord struct {
	EventID       uuid.UUID
	EventName     string
	Payload       []byte
	Status        DeliveryStatus
	AttemptCount  int64
	NextAttemptOn *time.Time
	ClaimID       *uuid.UUID
	ErrorMessage  string
	CorrelationID string
	CausationID   string
	Sequence      int64
	CreatedOn     time.Time
	UpdatedOn     *time.Time
}

func (r *OutboxRecord) Get(field string) (any, error) {
	switch field {
	case FieldEventID:
		return r.EventID, nil
	case FieldEventName:
		return r.EventName, nil
	case FieldPayload:
		return r.Payload, nil
	case FieldStatus:
		return string(r.Status), nil
	case FieldAttemptCount:
		return r.AttemptCount, nil
	case FieldNextAttemptOn:
		return timeOrNil(r.NextAttemptOn), nil
	case FieldClaimID:
		return uuidOrNil(r.ClaimID), nil
	case FieldErrorMessage:
		return r.ErrorMessage, nil
	case FieldCorrelationID:
		return r.CorrelationID, nil
	case FieldCausationID:
		return r.CausationID, nil
	case FieldSequence:
		return r.Sequence, nil
	case FieldCreatedOn:
		return r.CreatedOn, nil
	case FieldUpdatedOn:
		return timeOrNil(r.UpdatedOn), nil
	}
	return nil, unknownField("outbox event", field)
}

func (r *OutboxRecord) Set(field string, v any) error {
	switch field {
	case FieldStatus:
		r.Status = DeliveryStatus(v.(string))
	case FieldAttemptCount:
		r.AttemptCount = v.(int64)
	case FieldNextAttemptOn:
		r.NextAttemptOn = timePtr(v)
	case FieldClaimID:
		r.ClaimID = uuidPtr(v)
	case FieldErrorMessage:
		r.ErrorMessage = stringOrEmpty(v)
	case FieldSequence:
		r.Sequence = v.(int64)
	case FieldUpdatedOn:
		r.UpdatedOn = timePtr(v)
	default:
		return unknownField("outbox event", field)
	}
	return nil
}

func (r *OutboxRecord) Clone() Entity {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.NextAttemptOn = copyTime(r.NextAttemptOn)
	c.UpdatedOn = copyTime(r.UpdatedOn)
	if r.ClaimID != nil {
		id := *r.ClaimID
		c.ClaimID = &id
	}
	return &c
}

// InboxRecord tracks one inbound integration event for one consumer.
type InboxRecord struct {
	EventID       uuid.UUID
	Consumer      string
	EventName     string
	Payload       []byte
	Status        DeliveryStatus
	AttemptCount  int64
	NextAttemptOn *time.Time
	ClaimID       *uuid.UUID
	ErrorMessage  string
	CorrelationID string
	CausationID   string
	Sequence      int64
	CreatedOn     time.Time
	UpdatedOn     *time.Time
}

func (r *InboxRecord) Get(field string) (any, error) {
	switch field {
	case FieldEventID:
		return r.EventID, nil
	case FieldConsumer:
		return r.Consumer, nil
	case FieldEventName:
		return r.EventName, nil
	case FieldPayload:
		return r.Payload, nil
	case FieldStatus:
		return string(r.Status), nil
	case FieldAttemptCount:
		return r.AttemptCount, nil
	case FieldNextAttemptOn:
		return timeOrNil(r.NextAttemptOn), nil
	case FieldClaimID:
		return uuidOrNil(r.ClaimID), nil
	case FieldErrorMessage:
		return r.ErrorMessage, nil
	case FieldCorrelationID:
		return r.CorrelationID, nil
	case FieldCausationID:
		return r.CausationID, nil
	case FieldSequence:
		return r.Sequence, nil
	case FieldCreatedOn:
		return r.CreatedOn, nil
	case FieldUpdatedOn:
		return timeOrNil(r.UpdatedOn), nil
	}
	return nil, unknownField("inbox event", field)
}

func (r *InboxRecord) Set(field string, v any) error {
	switch field {
	case FieldStatus:
		r.Status = DeliveryStatus(v.(string))
	case FieldAttemptCount:
		r.AttemptCount = v.(int64)
	case FieldNextAttemptOn:
		r.NextAttemptOn = timePtr(v)
	case FieldClaimID:
		r.ClaimID = uuidPtr(v)
	case FieldErrorMessage:
		r.ErrorMessage = stringOrEmpty(v)
	case FieldSequence:
		r.Sequence = v.(int64)
	case FieldUpdatedOn:
		r.UpdatedOn = timePtr(v)
	default:
		return unknownField("inbox event", field)
	}
	return nil
}

func (r *InboxRecord) Clone() Entity {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.NextAttemptOn = copyTime(r.NextAttemptOn)
	c.UpdatedOn = copyTime(r.UpdatedOn)
	if r.ClaimID != nil {
		id := *r.ClaimID
		c.ClaimID = &id
	}
	return &c
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func timePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	t := v.(time.Time)
	return &t
}

func uuidPtr(v any) *uuid.UUID {
	if v == nil {
		return nil
	}
	id := v.(uuid.UUID)
	return &id
}

func stringOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	return v.(string)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
