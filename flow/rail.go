package flow

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// Rail, an object that carries trace infromation along with the execution.
//
// Every operation of the bus takes a Rail as the first argument, it's both the context.Context and the logger.
type Rail struct {
	ctx context.Context
}

func (r Rail) ErrorIf(err error, op string, args ...any) {
	if err != nil {
		r.Errorf(fmt.Sprintf("%v - %v, %v", callerFn(3), op, err), args...)
	}
}

func (r Rail) WarnIf(err error, op string, args ...any) {
	if err != nil {
		r.Warnf(fmt.Sprintf("%v - %v, %v", callerFn(3), op, err), args...)
	}
}

func (r Rail) IsDone() bool {
	return r.ctx.Err() != nil
}

func (r Rail) Context() context.Context {
	return r.ctx
}

func (r Rail) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r Rail) CtxValue(key string) any {
	return r.ctx.Value(key)
}

func (r Rail) CtxValStr(key string) string {
	v := r.ctx.Value(key)
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

func (r Rail) TraceId() string {
	return r.CtxValStr(XTraceId)
}

func (r Rail) SpanId() string {
	return r.CtxValStr(XSpanId)
}

func (r Rail) entry() *logrus.Entry {
	return logger.WithFields(logrus.Fields{XSpanId: r.ctx.Value(XSpanId), XTraceId: r.ctx.Value(XTraceId), callerField: callerFn(4)})
}

func (r Rail) Tracef(format string, args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	r.entry().Tracef(format, args...)
}

func (r Rail) Debugf(format string, args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r.entry().Debugf(format, args...)
}

func (r Rail) Infof(format string, args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	r.entry().Infof(format, args...)
}

func (r Rail) Warnf(format string, args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	r.entry().Warn(appendErrStack(format, args...))
}

func (r Rail) Errorf(format string, args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	r.entry().Error(appendErrStack(format, args...))
}

// Printf is used by libraries that accept a Printf style logger, e.g., kafka-go.
func (r Rail) Printf(format string, args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r.entry().Debugf(format, args...)
}

func (r Rail) Debug(args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r.entry().Debug(args...)
}

func (r Rail) Info(args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	r.entry().Info(args...)
}

func (r Rail) Warn(args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	r.entry().Warn(args...)
}

func (r Rail) Error(args ...interface{}) {
	if !logger.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	r.entry().Error(args...)
}

func (r Rail) WithCtxVal(key string, val any) Rail {
	ctx := context.WithValue(r.ctx, key, val) //lint:ignore SA1029 keys must be exposed for user to use
	return NewRail(ctx)
}

// Create a new Rail with a new SpanId and a new Context.
//
// Trace values are copied, cancellation of the previous context is not inherited.
func (r Rail) NextSpan() Rail {
	prev := r.ctx
	r.ctx = context.Background()
	for _, k := range GetPropagationKeys() {
		if v := prev.Value(k); v != nil {
			r = r.WithCtxVal(k, v)
		}
	}
	return r.WithCtxVal(XSpanId, NewSpanId())
}

// Create new Rail with context's CancelFunc
func (r Rail) WithCancel() (Rail, context.CancelFunc) {
	cc, cancel := context.WithCancel(r.ctx)
	return NewRail(cc), cancel
}

// Create new Rail with timeout and context's CancelFunc
func (r Rail) WithTimeout(timeout time.Duration) (Rail, context.CancelFunc) {
	cc, cancel := context.WithTimeout(r.ctx, timeout)
	return NewRail(cc), cancel
}

// Create empty Rail.
func EmptyRail() Rail {
	return NewRail(context.Background())
}

// Create new TraceId.
func NewTraceId() string {
	t := [8]byte{}
	binary.NativeEndian.PutUint64(t[:], rand.Uint64())
	return hex.EncodeToString(t[:])
}

// Create new SpanId.
func NewSpanId() string {
	s := [8]byte{}
	binary.NativeEndian.PutUint64(s[:], rand.Uint64())
	return hex.EncodeToString(s[:])
}

// Create new Rail from context.
func NewRail(ctx context.Context) Rail {
	if ctx.Value(XSpanId) == nil {
		ctx = context.WithValue(ctx, XSpanId, NewSpanId()) //lint:ignore SA1029 keys must be exposed for user to use
	}
	if ctx.Value(XTraceId) == nil {
		ctx = context.WithValue(ctx, XTraceId, NewTraceId()) //lint:ignore SA1029 keys must be exposed for user to use
	}
	return Rail{ctx: ctx}
}
