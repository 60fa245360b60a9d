// Package transport is the contract between the event bus and the message broker.
//
// The bus uses one queue per event type name, messages are published directly to the queue,
// the routing key of a delivery is the name of the queue it's delivered from.
package transport

import (
	"time"

	"github.com/curtisnewbie/microbus/flow"
)

const (
	// Header key that carries how many times the message has been redelivered.
	HeaderRetryCount = "microbus-retry-count"
)

type AckMode int

const (
	// Messages are acknowledged before they are processed, failed deliveries are lost (at-most-once).
	AckModeAuto AckMode = iota

	// Messages are acknowledged after they are processed, failed deliveries are published again
	// with the attempt number incremented (at-least-once).
	AckModeAfterSuccess
)

func (a AckMode) String() string {
	switch a {
	case AckModeAuto:
		return "auto"
	case AckModeAfterSuccess:
		return "after-success"
	}
	return "unknown"
}

type ConsumeOptions struct {
	AckMode AckMode

	// Delay before a failed delivery becomes visible again, only used in AckModeAfterSuccess.
	RetryDelay time.Duration

	// Max unacknowledged deliveries, only used by transports that support it.
	Qos int
}

// Message delivered to the consumer.
type Delivery struct {
	RoutingKey string
	Body       []byte
	MessageId  string
	Attempt    int // 0 for the first delivery
}

// Callback of Channel.Consume.
//
// The returned error only matters in AckModeAfterSuccess, the message is redelivered if the error is not nil.
type DeliveryFunc func(rail flow.Rail, d Delivery) error

type Transport interface {
	// Name of the transport, e.g., 'rabbitmq'.
	Name() string

	// Open connection to the broker.
	Connect(rail flow.Rail) (Connection, error)
}

type Connection interface {
	OpenChannel(rail flow.Rail) (Channel, error)
	Close() error
}

type Channel interface {
	// Declare queue, it's idempotent.
	DeclareQueue(rail flow.Rail, name string) error

	// Publish payload to the queue.
	Publish(rail flow.Rail, queue string, payload []byte) error

	// Consume queue until the rail is done or the channel is lost.
	//
	// Deliveries are passed to onDelivery one at a time, an in-flight onDelivery call is never interrupted,
	// Consume returns nil once the rail is done and the in-flight call has returned.
	//
	// Each delivery carries its own Rail loaded from the message headers, it doesn't inherit the cancellation of
	// the given rail.
	Consume(rail flow.Rail, queue string, opts ConsumeOptions, onDelivery DeliveryFunc) error

	Close() error
}
