package event

import (
	"fmt"
	"sync"
)

// Registry resolves persisted event names back to concrete Go types.
// It is built once at startup; lookups on the hot path are a map read,
// never reflection.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]registration
}

type registration struct {
	family  Family
	factory func() Event
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registration)}
}

// Register binds an event name to a family and a zero-value constructor.
// Registering the same name twice is a programming error.
func (r *Registry) Register(family Family, name string, factory func() Event) error {
	if name == "" {
		return fmt.Errorf("event: empty event name")
	}
	if factory == nil {
		return fmt.Errorf("event: nil factory for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("event: %q already registered", name)
	}
	r.byName[name] = registration{family: family, factory: factory}
	return nil
}

// MustRegister is Register that panics; intended for startup wiring.
func (r *Registry) MustRegister(family Family, name string, factory func() Event) {
	if err := r.Register(family, name, factory); err != nil {
		panic(err)
	}
}

// New constructs a fresh zero value for the named event.
func (r *Registry) New(name string) (Event, bool) {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reg.factory(), true
}

// Family reports which family the named event belongs to.
func (r *Registry) Family(name string) (Family, bool) {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()
	return reg.family, ok
}

// FamilyOf is Family keyed by the event value itself.
func (r *Registry) FamilyOf(e Event) (Family, bool) {
	if e == nil {
		return 0, false
	}
	return r.Family(e.EventName())
}
