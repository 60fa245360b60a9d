package bus

import (
	"sync/atomic"
	"time"

	"github.com/curtisnewbie/microbus/deadletter"
	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/metrics"
	"github.com/curtisnewbie/microbus/transport"
)

type ConsumerState int32

const (
	// No consumer is running for the event.
	ConsumerIdle ConsumerState = iota

	// Waiting for messages.
	ConsumerListening

	// Handling a message.
	ConsumerProcessing

	// Stopped after Close or after the connection is lost.
	ConsumerStopped

	// Connecting to the broker and declaring the queue.
	ConsumerStarting
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerIdle:
		return "idle"
	case ConsumerListening:
		return "listening"
	case ConsumerProcessing:
		return "processing"
	case ConsumerStopped:
		return "stopped"
	case ConsumerStarting:
		return "starting"
	}
	return "unknown"
}

var metricDropReasons = map[string]string{
	deadletter.ReasonUnknownType:   metrics.DropReasonUnknownType,
	deadletter.ReasonSerialization: metrics.DropReasonSerialization,
	deadletter.ReasonHandlerFailed: metrics.DropReasonHandlerFailed,
	deadletter.ReasonMaxRetry:      metrics.DropReasonMaxRetry,
}

type consumer struct {
	name  string
	state atomic.Int32
}

func (c *consumer) setState(s ConsumerState) {
	c.state.Store(int32(s))
}

func (c *consumer) getState() ConsumerState {
	return ConsumerState(c.state.Load())
}

// State of the consumer for the event.
func (b *Bus) ConsumerState(eventName string) ConsumerState {
	b.mu.Lock()
	c, ok := b.consumers[eventName]
	b.mu.Unlock()
	if !ok {
		return ConsumerIdle
	}
	return c.getState()
}

// States of all consumers, keyed by event name.
func (b *Bus) ConsumerStates() map[string]ConsumerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := make(map[string]ConsumerState, len(b.consumers))
	for k, c := range b.consumers {
		m[k] = c.getState()
	}
	return m
}

// Start consumer for the event unless one is already running or starting.
//
// A consumer that stopped after the connection was lost is started again. The bus lock is not held
// while the broker is dialed, the slot is reserved with a starting consumer instead.
func (b *Bus) ensureConsumer(rail flow.Rail, name string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.ErrBusClosed
	}
	if c, ok := b.consumers[name]; ok && c.getState() != ConsumerStopped {
		b.mu.Unlock()
		return nil
	}
	c := &consumer{name: name}
	c.setState(ConsumerStarting)
	b.consumers[name] = c
	b.mu.Unlock()

	conn, ch, err := b.openConsumerChannel(rail, name)

	b.mu.Lock()
	if err == nil && b.closed {
		defer conn.Close()
		defer ch.Close()
		err = errs.ErrBusClosed
	}
	if err != nil {
		if b.consumers[name] == c {
			delete(b.consumers, name)
		}
		b.mu.Unlock()
		return err
	}
	c.setState(ConsumerListening)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer conn.Close()
		defer ch.Close()

		crail := b.consumeRail
		crail.Infof("Consumer for '%v' started", name)
		err := ch.Consume(crail, name, b.consumeOptions(), func(rail flow.Rail, d transport.Delivery) error {
			return b.onDelivery(rail, c, d)
		})
		c.setState(ConsumerStopped)
		if err != nil {
			crail.Errorf("Consumer for '%v' stopped, %v", name, err)
			return
		}
		crail.Infof("Consumer for '%v' stopped", name)
	}()
	return nil
}

func (b *Bus) openConsumerChannel(rail flow.Rail, name string) (transport.Connection, transport.Channel, error) {
	conn, err := b.transport.Connect(rail)
	if err != nil {
		return nil, nil, transportErr(err, "failed to connect to %v", b.transport.Name())
	}
	ch, err := conn.OpenChannel(rail)
	if err != nil {
		conn.Close()
		return nil, nil, transportErr(err, "failed to open channel")
	}
	if err := ch.DeclareQueue(rail, name); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, transportErr(err, "failed to declare queue '%v'", name)
	}
	return conn, ch, nil
}

func (b *Bus) onDelivery(rail flow.Rail, c *consumer, d transport.Delivery) error {
	c.setState(ConsumerProcessing)
	defer c.setState(ConsumerListening)
	return b.dispatch(rail, d)
}

// Pass the message to the handlers of the event.
//
// The returned error tells the transport that the message should be redelivered.
func (b *Bus) dispatch(rail flow.Rail, d transport.Delivery) error {
	name := d.RoutingKey
	b.metrics.Delivered(name)

	handlers := b.registry.HandlersFor(name)
	if len(handlers) < 1 {
		rail.Debugf("No handler for '%v', message %v consumed", name, d.MessageId)
		return nil
	}

	et, ok := b.registry.KnownType(name)
	if !ok {
		err := errs.ErrUnknownEventType.WithInternalMsg("event '%v' is not known", name)
		rail.Errorf("Dropped message %v, %v", d.MessageId, err)
		b.drop(rail, d, deadletter.ReasonUnknownType, err)
		return nil
	}

	evt, err := et.Decode(d.Body)
	if err != nil {
		err = errs.ErrSerialization.Wrapf(err, "failed to deserialize event '%v'", name)
		rail.Errorf("Dropped message %v, %v", d.MessageId, err)
		b.drop(rail, d, deadletter.ReasonSerialization, err)
		return nil
	}

	for _, h := range handlers {
		start := time.Now()
		err := invokeHandler(rail, h, evt)
		b.metrics.ObserveHandler(name, h.HandlerType, time.Since(start), err)
		if err == nil {
			continue
		}
		err = errs.ErrHandlerExecution.Wrapf(err, "handler '%v' failed to handle '%v', message: %v, attempt: %v",
			h.HandlerType, name, d.MessageId, d.Attempt)
		rail.Errorf("%v", err)
		return b.onHandlerFailure(rail, d, err)
	}
	return nil
}

func (b *Bus) onHandlerFailure(rail flow.Rail, d transport.Delivery, err error) error {
	if b.policy.Mode != AtLeastOnce {
		b.drop(rail, d, deadletter.ReasonHandlerFailed, err)
		return err
	}
	if b.policy.MaxRetry > -1 && d.Attempt >= b.policy.MaxRetry {
		rail.Infof("Message %v exceeds max redelivery times: %v, message dropped", d.MessageId, b.policy.MaxRetry)
		b.drop(rail, d, deadletter.ReasonMaxRetry, err)
		return nil
	}
	return err
}

func (b *Bus) drop(rail flow.Rail, d transport.Delivery, reason string, cause error) {
	b.metrics.Dropped(d.RoutingKey, metricDropReasons[reason])
	if b.deadLetters == nil {
		return
	}
	l := &deadletter.Letter{
		EventName: d.RoutingKey,
		MessageId: d.MessageId,
		Payload:   d.Body,
		Attempt:   d.Attempt,
		Reason:    reason,
		Error:     truncate(cause.Error(), 1000),
	}
	if err := b.deadLetters.Save(rail, l); err != nil {
		rail.Errorf("Failed to save dead letter for message %v, %v", d.MessageId, err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
