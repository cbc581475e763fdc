package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/internal/codec"
	"github.com/eventfold/eventfold/internal/event"
)

// wireEnvelope is the message body published to and consumed from the
// broker. The payload stays opaque JSON so a relay never needs the
// consumer's event types.
type wireEnvelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventName     string          `json:"event_name"`
	Payload       json.RawMessage `json:"payload"`
	Sequence      int64           `json:"sequence"`
	OccurredOn    time.Time       `json:"occurred_on"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

func marshalWire(c *codec.JSON, env event.Envelope) ([]byte, error) {
	name, payload, err := c.Encode(env.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		EventID:       env.EventID,
		EventName:     name,
		Payload:       payload,
		Sequence:      env.Sequence,
		OccurredOn:    env.OccurredOn,
		CorrelationID: env.Metadata.CorrelationID,
		CausationID:   env.Metadata.CausationID,
	})
}

func unmarshalWire(c *codec.JSON, body []byte) (event.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return event.Envelope{}, fmt.Errorf("decode wire envelope: %w", err)
	}
	e, err := c.Decode(w.EventName, w.Payload)
	if err != nil {
		return event.Envelope{}, err
	}
	return event.Envelope{
		Event:      e,
		EventID:    w.EventID,
		EventName:  w.EventName,
		Sequence:   w.Sequence,
		OccurredOn: w.OccurredOn,
		Metadata: event.Metadata{
			CorrelationID: w.CorrelationID,
			CausationID:   w.CausationID,
		},
	}, nil
}
