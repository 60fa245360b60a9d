/*
Package bus bridges domain events to a message broker.

Every event type is published to a queue named after the event (see event.NameOf), the bus runs one consumer per
subscribed event name and passes each message to the handlers registered for it, in registration order.

	b := bus.New(memory.NewBroker())
	if err := bus.Subscribe[OrderCreated, SendConfirmationEmail](rail, b); err != nil {
		return err
	}
	err := bus.Publish(rail, b, OrderCreated{Base: event.NewBase(), OrderId: 42})

Handlers are constructed fresh for every message, a handler type is registered at most once per event name.
*/
package bus
