package errs

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

const (
	ErrCodeUnknownError            string = "UNKNOWN_ERROR"
	ErrCodeDuplicateHandler        string = "DUPLICATE_HANDLER"
	ErrCodeTransport               string = "TRANSPORT_ERROR"
	ErrCodeUnknownEventType        string = "UNKNOWN_EVENT_TYPE"
	ErrCodeHandlerExecution        string = "HANDLER_EXECUTION_ERROR"
	ErrCodeSerialization           string = "SERIALIZATION_ERROR"
	ErrCodeNoCommandHandler        string = "NO_COMMAND_HANDLER"
	ErrCodeDuplicateCommandHandler string = "DUPLICATE_COMMAND_HANDLER"
	ErrCodeBusClosed               string = "BUS_CLOSED"
	ErrCodeNotFound                string = "NOT_FOUND"
	ErrCodeEventTypeConflict       string = "EVENT_TYPE_CONFLICT"
)

var (
	ErrUnknownError            *BusErr = NewErrfCode(ErrCodeUnknownError, "Unknown Error")
	ErrDuplicateHandler        *BusErr = NewErrfCode(ErrCodeDuplicateHandler, "Handler already registered")
	ErrTransport               *BusErr = NewErrfCode(ErrCodeTransport, "Transport failure")
	ErrUnknownEventType        *BusErr = NewErrfCode(ErrCodeUnknownEventType, "Unknown event type")
	ErrHandlerExecution        *BusErr = NewErrfCode(ErrCodeHandlerExecution, "Handler execution failed")
	ErrSerialization           *BusErr = NewErrfCode(ErrCodeSerialization, "Serialization failed")
	ErrNoCommandHandler        *BusErr = NewErrfCode(ErrCodeNoCommandHandler, "No command handler registered")
	ErrDuplicateCommandHandler *BusErr = NewErrfCode(ErrCodeDuplicateCommandHandler, "Command handler already registered")
	ErrBusClosed               *BusErr = NewErrfCode(ErrCodeBusClosed, "Bus is closed")
	ErrNotFound                *BusErr = NewErrfCode(ErrCodeNotFound, "Not found")
	ErrEventTypeConflict       *BusErr = NewErrfCode(ErrCodeEventTypeConflict, "Event name is used by another type")
)

// Bus Error.
//
//	Use NewErrf(...) or NewErrfCode(...) to instantiate.
type BusErr struct {
	code        string // error code.
	msg         string // error message.
	internalMsg string // extra context, only meant for logs.
	stack       string
	err         error
}

func (e *BusErr) Cause() error {
	return e.err
}

func (e *BusErr) InternalMsg() string {
	return e.internalMsg
}

func (e *BusErr) Msg() string {
	return e.msg
}

func (e *BusErr) Code() string {
	return e.code
}

func (e *BusErr) StackTrace() string {
	return e.stack
}

// Create new *BusErr that wraps the cause, the code and message are copied.
//
// if cause is nil, nil is returned.
func (e *BusErr) Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	n := e.copyNew()
	n.err = cause
	n.withStack()
	return n
}

// Create new *BusErr that wraps the cause with extra internal message.
//
// if cause is nil, nil is returned.
func (e *BusErr) Wrapf(cause error, internalMsg string, args ...any) error {
	if cause == nil {
		return nil
	}
	n := e.copyNew()
	n.err = cause
	n.withStack()
	if len(args) > 0 {
		n.internalMsg = fmt.Sprintf(internalMsg, args...)
	} else {
		n.internalMsg = internalMsg
	}
	return n
}

func (e *BusErr) copyNew() *BusErr {
	n := new(BusErr)
	n.code = e.code
	n.msg = e.msg
	n.internalMsg = e.internalMsg
	n.stack = e.stack
	n.err = e.err
	return n
}

func (e *BusErr) Error() string {
	tok := make([]string, 0, 3)
	if e.msg != "" {
		tok = append(tok, e.msg)
	}
	if e.internalMsg != "" {
		tok = append(tok, e.internalMsg)
	}
	if uw := e.Unwrap(); uw != nil {
		tok = append(tok, uw.Error())
	}
	return strings.Join(tok, ", ")
}

func (e *BusErr) HasCode() bool {
	return strings.TrimSpace(e.code) != ""
}

// Implements *BusErr Is check.
//
// Returns true, if both are *BusErr and the code matches, so the predefined errors can be reused:
//
//	err := errs.ErrTransport.Wrapf(cause, "failed to declare queue %v", name)
//	errors.Is(err, errs.ErrTransport) // true
func (e *BusErr) Is(target error) bool {
	if tme, ok := target.(*BusErr); ok && e.code != "" && e.code == tme.code {
		return true
	}
	return false
}

func (e *BusErr) WithInternalMsg(msg string, args ...any) *BusErr {
	ne := e.copyNew()
	ne.withStack()
	if len(args) > 0 {
		ne.internalMsg = fmt.Sprintf(msg, args...)
	} else {
		ne.internalMsg = msg
	}
	return ne
}

func (e *BusErr) withStack() *BusErr {
	e.stack = stack(3)
	return e
}

func (e *BusErr) Unwrap() error {
	return e.err
}

// Create new *BusErr with message.
func NewErrf(msg string, args ...any) *BusErr {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	me := &BusErr{msg: msg}
	me.withStack()
	return me
}

// Create new *BusErr with message and error code.
func NewErrfCode(code string, msg string, args ...any) *BusErr {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	me := &BusErr{msg: msg, code: code}
	me.withStack()
	return me
}

// Wrap an error to create new *BusErr with stacktrace.
//
// If err is nil, nil is returned.
//
// If err is *BusErr, err is returned directly.
func WrapErr(err error) error {
	if err == nil {
		return nil
	}
	if me, ok := err.(*BusErr); ok {
		return me
	}
	me := &BusErr{err: err}
	me.withStack()
	return me
}

// Wrap an error to create new *BusErr with message.
//
// If the wrapped err is nil, nil is returned.
func WrapErrf(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	me := &BusErr{msg: msg, err: err}
	me.withStack()
	return me
}

// Check whether err (or any error it wraps) carries the code.
func HasCode(err error, code string) bool {
	var be *BusErr
	for err != nil {
		if errors.As(err, &be) {
			if be.code == code {
				return true
			}
			err = be.err
			continue
		}
		return false
	}
	return false
}

// Find the stack trace captured by the innermost *BusErr in the chain.
func UnwrapErrStack(err error) (string, bool) {
	var stack string
	var ue error = err
	for {
		if me, ok := ue.(*BusErr); ok && me != nil {
			stack = me.stack
		}
		u := errors.Unwrap(ue)
		if u == nil {
			break
		}
		ue = u
	}
	return stack, stack != ""
}

func ErrorStackTrace(err error) string {
	if err == nil {
		return "nil"
	}
	stackTrace, withStack := UnwrapErrStack(err)
	m := err.Error()
	if withStack {
		m += stackTrace
	}
	return m
}

var stackPool = sync.Pool{
	New: func() any {
		var v []uintptr = make([]uintptr, 50)
		return &v
	},
}

func stack(n int) string {
	stack := stackPool.Get().(*[]uintptr)
	defer func() {
		clear(*stack)
		stackPool.Put(stack)
	}()

	length := runtime.Callers(n, *stack)
	frames := runtime.CallersFrames((*stack)[:length])
	b := strings.Builder{}

	for {
		f, next := frames.Next()
		if !next {
			break
		}
		b.WriteString(fmt.Sprintf("\n\t%v\n\t\t%v:%v", f.Function, f.File, f.Line))
	}
	return b.String()
}
