package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
)

func noop(rail flow.Rail, evt any) error { return nil }

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register("OrderCreated", Registration{HandlerType: "HandlerA", Invoke: noop}); err != nil {
		t.Fatal(err)
	}
	err := r.Register("OrderCreated", Registration{HandlerType: "HandlerA", Invoke: noop})
	if !errors.Is(err, errs.ErrDuplicateHandler) {
		t.Fatalf("expected duplicate handler error, got %v", err)
	}
	if n := len(r.HandlersFor("OrderCreated")); n != 1 {
		t.Fatalf("registry changed, %v", n)
	}

	// same handler type for another event is fine
	if err := r.Register("OrderShipped", Registration{HandlerType: "HandlerA", Invoke: noop}); err != nil {
		t.Fatal(err)
	}
}

func TestHandlersForOrder(t *testing.T) {
	r := New()
	for _, h := range []string{"HandlerA", "HandlerB", "HandlerC"} {
		if err := r.Register("OrderCreated", Registration{HandlerType: h, Invoke: noop}); err != nil {
			t.Fatal(err)
		}
	}
	hs := r.HandlersFor("OrderCreated")
	if len(hs) != 3 || hs[0].HandlerType != "HandlerA" || hs[1].HandlerType != "HandlerB" || hs[2].HandlerType != "HandlerC" {
		t.Fatalf("%+v", hs)
	}

	// returned slice is a copy
	hs[0] = Registration{HandlerType: "Changed"}
	if r.HandlersFor("OrderCreated")[0].HandlerType != "HandlerA" {
		t.Fatal("registry should not be affected")
	}

	if len(r.HandlersFor("Unknown")) != 0 {
		t.Fatal("should be empty")
	}
}

func TestRecordKnownType(t *testing.T) {
	r := New()
	et := EventType{Name: "OrderCreated", Type: reflect.TypeOf(""), Decode: func(b []byte) (any, error) { return string(b), nil }}
	if added, err := r.RecordKnownType(et); err != nil || !added {
		t.Fatalf("should be added, %v", err)
	}
	if added, err := r.RecordKnownType(et); err != nil || added {
		t.Fatalf("should be a no-op, %v", err)
	}
	v, ok := r.KnownType("OrderCreated")
	if !ok {
		t.Fatal("should be known")
	}
	d, _ := v.Decode([]byte("x"))
	if d != "x" {
		t.Fatal(d)
	}
	if _, ok := r.KnownType("OrderShipped"); ok {
		t.Fatal("should not be known")
	}
}

func TestRecordKnownTypeConflict(t *testing.T) {
	r := New()
	if _, err := r.RecordKnownType(EventType{Name: "OrderCreated", Type: reflect.TypeOf(0)}); err != nil {
		t.Fatal(err)
	}
	_, err := r.RecordKnownType(EventType{Name: "OrderCreated", Type: reflect.TypeOf("")})
	if !errors.Is(err, errs.ErrEventTypeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	t.Logf("%v", err)
	if v, _ := r.KnownType("OrderCreated"); v.Type != reflect.TypeOf(0) {
		t.Fatalf("recorded type changed: %v", v.Type)
	}
}

func TestConcurrentRegister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	dup := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Register("OrderCreated", Registration{HandlerType: fmt.Sprintf("Handler%d", i%10), Invoke: noop})
			if err != nil {
				mu.Lock()
				dup++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if n := len(r.HandlersFor("OrderCreated")); n != 10 {
		t.Fatalf("expected 10 handlers, got %v", n)
	}
	if dup != 40 {
		t.Fatalf("expected 40 duplicates, got %v", dup)
	}
	if names := r.EventNames(); len(names) != 1 || names[0] != "OrderCreated" {
		t.Fatalf("%v", names)
	}
}
