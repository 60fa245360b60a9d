// Package event contains the base types of domain events.
package event

import (
	"reflect"
	"time"
)

// Named event, the name is used as the queue name and the routing key.
//
// Events that don't implement Named are named after their Go type, e.g., 'OrderCreated'.
type Named interface {
	EventName() string
}

// Base of events, embed it in the event struct.
//
//	type OrderCreated struct {
//		event.Base
//		OrderId int
//	}
//
//	evt := OrderCreated{Base: event.NewBase(), OrderId: 42}
type Base struct {
	Timestamp time.Time `json:"timestamp"`
}

// Create Base with the timestamp of now.
func NewBase() Base {
	return Base{Timestamp: time.Now()}
}

// When the event was created.
func (b Base) CreatedAt() time.Time {
	return b.Timestamp
}

// Resolve name of the event value.
//
// Pointers are dereferenced, the name of a nil pointer is the name of the type it points to.
func NameOf(v any) string {
	if v == nil {
		return ""
	}
	if n, ok := v.(Named); ok && !isNilPtr(v) {
		return n.EventName()
	}
	return nameOfType(reflect.TypeOf(v))
}

// Resolve name of the event type, T and *T share the same name.
func TypeNameOf[T any]() string {
	return nameOfType(reflect.TypeOf((*T)(nil)).Elem())
}

func nameOfType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Interface {
		if n, ok := reflect.New(t).Interface().(Named); ok {
			return n.EventName()
		}
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func isNilPtr(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
