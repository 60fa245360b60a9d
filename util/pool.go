package util

// Fixed size pool backed by a buffered channel.
//
// Items that are considered stale by the filter func are dropped when they are popped.
type FixedPool[T any] struct {
	ch            chan T
	popFilterFunc func(t T) (dropped bool)
}

func FixedPoolFilterFunc[T any](filterFunc func(t T) (dropped bool)) func(*FixedPool[T]) {
	return func(f *FixedPool[T]) {
		f.popFilterFunc = filterFunc
	}
}

func NewFixedPool[T any](cap int, options ...func(*FixedPool[T])) *FixedPool[T] {
	f := new(FixedPool[T])
	f.ch = make(chan T, cap)
	for _, op := range options {
		op(f)
	}
	return f
}

// Push item back to the pool, returns false if the pool is full.
func (r *FixedPool[T]) TryPush(t T) bool {
	select {
	case r.ch <- t:
		return true
	default:
		return false
	}
}

// Pop an item without blocking.
func (r *FixedPool[T]) TryPop() (T, bool) {
	for {
		select {
		case v := <-r.ch:
			if r.popFilterFunc != nil && r.popFilterFunc(v) {
				continue
			}
			return v, true
		default:
			var t T
			return t, false
		}
	}
}

// Drain the pool, every remaining item is passed to f.
func (r *FixedPool[T]) Drain(f func(t T)) {
	for {
		select {
		case v := <-r.ch:
			f(v)
		default:
			return
		}
	}
}

func (r *FixedPool[T]) Len() int {
	return len(r.ch)
}
