package flow

import (
	"sync"

	"github.com/spf13/cast"
)

const (
	XTraceId = "X-B3-TraceId"
	XSpanId  = "X-B3-SpanId"
)

var (
	propagationKeys = &propKeys{keys: map[string]struct{}{XTraceId: {}, XSpanId: {}}}
)

type propKeys struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// Add propagation key for tracing.
//
// Values of these keys are copied into message headers when publishing, and loaded back into the Rail when
// the message is delivered.
func AddPropagationKeys(keys ...string) {
	propagationKeys.mu.Lock()
	defer propagationKeys.mu.Unlock()
	for _, k := range keys {
		propagationKeys.keys[k] = struct{}{}
	}
}

// Get all existing propagation key
func GetPropagationKeys() []string {
	propagationKeys.mu.RLock()
	defer propagationKeys.mu.RUnlock()
	keys := make([]string, 0, len(propagationKeys.keys))
	for k := range propagationKeys.keys {
		keys = append(keys, k)
	}
	return keys
}

func UsePropagationKeys(forEach func(key string)) {
	for _, k := range GetPropagationKeys() {
		forEach(k)
	}
}

// Build headers that carry the trace of the rail.
func BuildTraceHeaders(rail Rail) map[string]string {
	h := map[string]string{}
	UsePropagationKeys(func(key string) {
		if v := rail.CtxValStr(key); v != "" {
			h[key] = v
		}
	})
	return h
}

// Load trace from headers into a new Rail.
//
// Values that are not strings (e.g., amqp header values) are converted using cast.
func LoadTraceHeaders[V any](rail Rail, headers map[string]V) Rail {
	if headers == nil {
		return rail
	}
	UsePropagationKeys(func(key string) {
		if hv, ok := headers[key]; ok {
			if s := cast.ToString(hv); s != "" {
				rail = rail.WithCtxVal(key, s)
			}
		}
	})
	return rail
}
