package util

import "testing"

func TestFixedPool(t *testing.T) {
	p := NewFixedPool[int](10)
	for i := 0; i < 10; i++ {
		if !p.TryPush(i) {
			t.Fatalf("should be pushed, i: %v", i)
		}
	}
	if p.TryPush(10) {
		t.Fatal("pool should be full")
	}
	for i := 0; i < 10; i++ {
		v, ok := p.TryPop()
		if !ok {
			t.Fatalf("not okay, i: %v", i)
		}
		if v != i {
			t.Fatalf("%v != %v", v, i)
		}
	}
	if _, ok := p.TryPop(); ok {
		t.Fatal("pool should be empty")
	}
}

func TestFixedPoolFilter(t *testing.T) {
	p := NewFixedPool(4, FixedPoolFilterFunc(func(v int) bool { return v%2 == 0 }))
	for i := 0; i < 4; i++ {
		p.TryPush(i)
	}
	v, ok := p.TryPop()
	if !ok || v != 1 {
		t.Fatalf("%v, %v", v, ok)
	}

	drained := 0
	p.Drain(func(int) { drained++ })
	if drained != 2 || p.Len() != 0 {
		t.Fatalf("drained: %v, len: %v", drained, p.Len())
	}
}
