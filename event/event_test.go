package event

import (
	"testing"
	"time"
)

type OrderCreated struct {
	Base
	OrderId int
}

type renamed struct{}

func (renamed) EventName() string { return "order.renamed" }

type ptrRenamed struct{}

func (*ptrRenamed) EventName() string { return "order.ptr-renamed" }

func TestNameOf(t *testing.T) {
	if v := NameOf(OrderCreated{}); v != "OrderCreated" {
		t.Fatal(v)
	}
	if v := NameOf(&OrderCreated{}); v != "OrderCreated" {
		t.Fatal(v)
	}
	if v := NameOf(renamed{}); v != "order.renamed" {
		t.Fatal(v)
	}
	if v := NameOf((*renamed)(nil)); v != "order.renamed" {
		t.Fatal(v)
	}
	if v := NameOf(&ptrRenamed{}); v != "order.ptr-renamed" {
		t.Fatal(v)
	}
	if v := NameOf(ptrRenamed{}); v != "order.ptr-renamed" {
		t.Fatal(v)
	}
	if v := NameOf(nil); v != "" {
		t.Fatal(v)
	}
}

func TestTypeNameOf(t *testing.T) {
	if v := TypeNameOf[OrderCreated](); v != "OrderCreated" {
		t.Fatal(v)
	}
	if v := TypeNameOf[*OrderCreated](); v != "OrderCreated" {
		t.Fatal(v)
	}
	if v := TypeNameOf[renamed](); v != "order.renamed" {
		t.Fatal(v)
	}
	if v := TypeNameOf[*renamed](); v != "order.renamed" {
		t.Fatal(v)
	}
	if v := TypeNameOf[ptrRenamed](); v != "order.ptr-renamed" {
		t.Fatal(v)
	}
}

func TestNewBase(t *testing.T) {
	before := time.Now()
	e := OrderCreated{Base: NewBase(), OrderId: 42}
	if e.CreatedAt().Before(before) || e.CreatedAt().After(time.Now()) {
		t.Fatalf("unexpected timestamp %v", e.CreatedAt())
	}
}
