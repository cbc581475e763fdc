// Package codec converts between in-memory events and the opaque
// (event name, payload bytes) pair persisted on every record.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/eventfold/eventfold/internal/event"
)

// Error wraps any failure at the serialization boundary with the event
// name it occurred on. Callers branch with errors.As.
type Error struct {
	EventName string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.EventName, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// JSON is a reversible JSON codec for one event family. The registry is
// the type resolver: Decode refuses names that were never registered, and
// Encode refuses events registered under a different family.
type JSON struct {
	reg    *event.Registry
	family event.Family
}

// NewJSON builds a codec for one family over the given registry.
func NewJSON(reg *event.Registry, family event.Family) *JSON {
	return &JSON{reg: reg, family: family}
}

// Family reports which event family this codec serves.
func (c *JSON) Family() event.Family { return c.family }

// Encode serializes e and returns the name used for type resolution on read.
func (c *JSON) Encode(e event.Event) (string, []byte, error) {
	name := e.EventName()
	fam, ok := c.reg.Family(name)
	if !ok {
		return "", nil, &Error{EventName: name, Err: fmt.Errorf("event not registered")}
	}
	if fam != c.family {
		return "", nil, &Error{EventName: name, Err: fmt.Errorf("registered as %s, codec handles %s", fam, c.family)}
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return "", nil, &Error{EventName: name, Err: err}
	}
	return name, payload, nil
}

// Decode reconstructs the event registered under name from payload.
func (c *JSON) Decode(name string, payload []byte) (event.Event, error) {
	fam, ok := c.reg.Family(name)
	if !ok {
		return nil, &Error{EventName: name, Err: fmt.Errorf("event not registered")}
	}
	if fam != c.family {
		return nil, &Error{EventName: name, Err: fmt.Errorf("registered as %s, codec handles %s", fam, c.family)}
	}
	e, _ := c.reg.New(name)
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, &Error{EventName: name, Err: err}
	}
	return e, nil
}
