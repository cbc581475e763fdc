package event

import (
	"time"

	"github.com/google/uuid"
)

// Family classifies an event by which table its records land in.
type Family int

const (
	// FamilyDomain events form the per-aggregate streams.
	FamilyDomain Family = iota + 1
	// FamilySnapshot events are materialized aggregate states.
	FamilySnapshot
	// FamilyIntegration events cross service boundaries via outbox/inbox.
	FamilyIntegration
)

func (f Family) String() string {
	switch f {
	case FamilyDomain:
		return "domain"
	case FamilySnapshot:
		return "snapshot"
	case FamilyIntegration:
		return "integration"
	default:
		return "unknown"
	}
}

// Event is the minimal contract for anything the substrate persists.
// Concrete event types are plain structs with JSON-serializable fields,
// registered in a Registry at startup.
type Event interface {
	EventName() string
}

// Metadata carries the causal context an event was recorded under.
type Metadata struct {
	CausationID   string `json:"causationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Merge returns m overlaid with other; non-empty fields of other win.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m
	if other.CausationID != "" {
		out.CausationID = other.CausationID
	}
	if other.CorrelationID != "" {
		out.CorrelationID = other.CorrelationID
	}
	return out
}

// Envelope is what reads and subscriptions deliver: the decoded event plus
// the persistence metadata stamped onto its record.
type Envelope struct {
	Event         Event
	EventID       uuid.UUID
	EventName     string
	StreamID      uuid.UUID
	StreamName    string
	StreamVersion int64
	Sequence      int64
	OccurredOn    time.Time
	Metadata      Metadata
}
