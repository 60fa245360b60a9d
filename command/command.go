// Package command dispatches commands to exactly one in-process handler.
//
// Commands never go through the broker, they are handled synchronously by the caller's goroutine.
package command

import (
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/event"
	"github.com/curtisnewbie/microbus/flow"
)

// Base of commands, embed it in the command struct.
type Base struct {
	Timestamp time.Time `json:"timestamp"`
}

func NewBase() Base {
	return Base{Timestamp: time.Now()}
}

func (b Base) CreatedAt() time.Time {
	return b.Timestamp
}

type Handler[C any] interface {
	Handle(rail flow.Rail, cmd C) error
}

// Adapt func to Handler.
type HandlerFunc[C any] func(rail flow.Rail, cmd C) error

func (f HandlerFunc[C]) Handle(rail flow.Rail, cmd C) error {
	return f(rail, cmd)
}

type invoker func(rail flow.Rail, cmd any) error

// Dispatcher keeps one handler per command type.
//
// Commands are named the same way as events, see event.NameOf.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]invoker
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]invoker{}}
}

// Names of commands that have a handler, sorted.
func (d *Dispatcher) CommandNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Register handler for command C.
//
// Returns errs.ErrDuplicateCommandHandler if C already has a handler.
func Register[C any](d *Dispatcher, h Handler[C]) error {
	name := event.TypeNameOf[C]()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return errs.ErrDuplicateCommandHandler.WithInternalMsg("command '%v' already has a handler", name)
	}
	d.handlers[name] = func(rail flow.Rail, cmd any) error {
		switch v := cmd.(type) {
		case C:
			return h.Handle(rail, v)
		case *C:
			if v != nil {
				return h.Handle(rail, *v)
			}
		}
		return errs.ErrNoCommandHandler.WithInternalMsg("command '%v' has unexpected type %T", name, cmd)
	}
	return nil
}

// Send command to its handler and wait for the result.
//
// Returns errs.ErrNoCommandHandler if nobody handles the command, the error returned by the handler is returned as it is,
// a panic in the handler is recovered and returned as errs.ErrHandlerExecution.
func Send[C any](rail flow.Rail, d *Dispatcher, cmd C) error {
	return d.Dispatch(rail, cmd)
}

// Dispatch command of any type, the handler is resolved by the runtime type of cmd.
func (d *Dispatcher) Dispatch(rail flow.Rail, cmd any) (err error) {
	name := event.NameOf(cmd)
	d.mu.RLock()
	inv, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return errs.ErrNoCommandHandler.WithInternalMsg("no handler for command '%v'", name)
	}

	defer func() {
		if v := recover(); v != nil {
			rail.Errorf("Command handler for '%v' panicked, %v\n%s", name, v, debug.Stack())
			err = errs.ErrHandlerExecution.WithInternalMsg("command handler for '%v' panicked: %v", name, v)
		}
	}()
	rail.Debugf("Dispatching command '%v'", name)
	return inv(rail, cmd)
}
