// Package registry keeps track of which handlers are interested in which events, and how each event is decoded.
package registry

import (
	"reflect"
	"sort"
	"sync"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
)

// Type-erased invocation of a handler.
//
// Invoke constructs a new handler instance and passes the decoded event to it.
type Registration struct {
	HandlerType string
	Invoke      func(rail flow.Rail, evt any) error
}

// Event type recorded at subscription time.
//
// Decode turns the payload back into a value of the concrete event type.
type EventType struct {
	Name   string
	Type   reflect.Type
	Decode func(payload []byte) (any, error)
}

type Registry struct {
	mu         sync.RWMutex
	handlers   map[string][]Registration
	knownTypes map[string]EventType
}

func New() *Registry {
	return &Registry{
		handlers:   map[string][]Registration{},
		knownTypes: map[string]EventType{},
	}
}

// Register handler for the event.
//
// Returns errs.ErrDuplicateHandler if the handler type is already registered for the event, the registry is not changed.
func (r *Registry) Register(eventName string, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.handlers[eventName] {
		if v.HandlerType == reg.HandlerType {
			return errs.ErrDuplicateHandler.WithInternalMsg("handler type '%v' is already registered for '%v'", reg.HandlerType, eventName)
		}
	}
	r.handlers[eventName] = append(r.handlers[eventName], reg)
	return nil
}

// Handlers of the event in registration order, empty if none.
func (r *Registry) HandlersFor(eventName string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.handlers[eventName]
	cp := make([]Registration, len(h))
	copy(cp, h)
	return cp
}

// Record the event type, recording a name that already exists is a no-op.
//
// Returns errs.ErrEventTypeConflict if the name is already recorded for another Go type.
func (r *Registry) RecordKnownType(et EventType) (added bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.knownTypes[et.Name]; ok {
		if prev.Type != et.Type {
			return false, errs.ErrEventTypeConflict.WithInternalMsg("event '%v' is recorded for type %v, can't record %v",
				et.Name, prev.Type, et.Type)
		}
		return false, nil
	}
	r.knownTypes[et.Name] = et
	return true, nil
}

func (r *Registry) KnownType(eventName string) (EventType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.knownTypes[eventName]
	return et, ok
}

// Names of events with at least one handler, sorted.
func (r *Registry) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for k, v := range r.handlers {
		if len(v) > 0 {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}
