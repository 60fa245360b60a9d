package memory

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/transport"
)

func openChannel(t *testing.T, b *Broker) transport.Channel {
	t.Helper()
	rail := flow.EmptyRail()
	conn, err := b.Connect(rail)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	ch, err := conn.OpenChannel(rail)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestPublishConsume(t *testing.T) {
	b := NewBroker()
	pub := openChannel(t, b)
	rail := flow.EmptyRail()

	if err := pub.DeclareQueue(rail, "OrderCreated"); err != nil {
		t.Fatal(err)
	}
	if err := pub.DeclareQueue(rail, "OrderCreated"); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(rail, "OrderCreated", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(rail, "OrderCreated", []byte("2")); err != nil {
		t.Fatal(err)
	}

	sub := openChannel(t, b)
	crail, cancel := flow.EmptyRail().WithCancel()
	received := make(chan transport.Delivery, 2)
	done := make(chan error, 1)
	go func() {
		done <- sub.Consume(crail, "OrderCreated", transport.ConsumeOptions{}, func(r flow.Rail, d transport.Delivery) error {
			if d.RoutingKey != "OrderCreated" {
				t.Errorf("routing key: %v", d.RoutingKey)
			}
			if r.TraceId() != rail.TraceId() {
				t.Errorf("trace not propagated, %v != %v", r.TraceId(), rail.TraceId())
			}
			received <- d
			return nil
		})
	}()

	for _, want := range []string{"1", "2"} {
		select {
		case d := <-received:
			if string(d.Body) != want || d.Attempt != 0 || d.MessageId == "" {
				t.Fatalf("%+v", d)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestPublishUndeclaredQueue(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	err := ch.Publish(flow.EmptyRail(), "Nope", []byte("x"))
	if !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("expected transport error, %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	b := NewBroker()
	b.SetUnavailable(true)
	if _, err := b.Connect(flow.EmptyRail()); !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("expected transport error, %v", err)
	}
	b.SetUnavailable(false)
	if _, err := b.Connect(flow.EmptyRail()); err != nil {
		t.Fatal(err)
	}
}

func TestDropConnections(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	rail := flow.EmptyRail()
	if err := ch.DeclareQueue(rail, "OrderCreated"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- ch.Consume(rail, "OrderCreated", transport.ConsumeOptions{}, func(r flow.Rail, d transport.Delivery) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	b.DropConnections()

	select {
	case err := <-done:
		if !errors.Is(err, errs.ErrTransport) {
			t.Fatalf("expected transport error, %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consume should have returned")
	}
	if b.OpenConnections() != 0 {
		t.Fatalf("open connections: %v", b.OpenConnections())
	}
}

func TestAckAfterSuccessRequeue(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	rail := flow.EmptyRail()
	_ = ch.DeclareQueue(rail, "OrderCreated")
	_ = ch.Publish(rail, "OrderCreated", []byte("x"))

	crail, cancel := rail.WithCancel()
	defer cancel()

	attempts := make(chan int, 3)
	go func() {
		_ = ch.Consume(crail, "OrderCreated", transport.ConsumeOptions{AckMode: transport.AckModeAfterSuccess}, func(r flow.Rail, d transport.Delivery) error {
			attempts <- d.Attempt
			if d.Attempt < 2 {
				return errors.New("not yet")
			}
			return nil
		})
	}()

	for want := 0; want < 3; want++ {
		select {
		case got := <-attempts:
			if got != want {
				t.Fatalf("%v != %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := b.QueueLen("OrderCreated"); n != 0 {
		t.Fatalf("queue len: %v", n)
	}
}

func TestAutoAckDropsFailure(t *testing.T) {
	b := NewBroker()
	ch := openChannel(t, b)
	rail := flow.EmptyRail()
	_ = ch.DeclareQueue(rail, "OrderCreated")
	_ = ch.Publish(rail, "OrderCreated", []byte("x"))

	crail, cancel := rail.WithCancel()
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ch.Consume(crail, "OrderCreated", transport.ConsumeOptions{}, func(r flow.Rail, d transport.Delivery) error {
			calls.Add(1)
			return errors.New("failed")
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	if calls.Load() != 1 {
		t.Fatalf("calls: %v", calls.Load())
	}
	if b.QueueLen("OrderCreated") != 0 {
		t.Fatal("message should be gone")
	}
}

func TestCompetingConsumers(t *testing.T) {
	b := NewBroker()
	rail := flow.EmptyRail()
	pub := openChannel(t, b)
	_ = pub.DeclareQueue(rail, "OrderCreated")

	crail, cancel := rail.WithCancel()
	var total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		ch := openChannel(t, b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ch.Consume(crail, "OrderCreated", transport.ConsumeOptions{}, func(r flow.Rail, d transport.Delivery) error {
				total.Add(1)
				return nil
			})
		}()
	}
	for i := 0; i < 100; i++ {
		_ = pub.Publish(rail, "OrderCreated", []byte("x"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for total.Load() < 100 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	if total.Load() != 100 {
		t.Fatalf("total: %v", total.Load())
	}
}
