package bus

import (
	"errors"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/curtisnewbie/microbus/command"
	"github.com/curtisnewbie/microbus/deadletter"
	"github.com/curtisnewbie/microbus/encoding/json"
	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/event"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/metrics"
	"github.com/curtisnewbie/microbus/registry"
	"github.com/curtisnewbie/microbus/transport"
)

// Serializer converts events to payloads and back.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, ptr any) error
}

// Handler of event T.
type Handler[T any] interface {
	Handle(rail flow.Rail, evt T) error
}

// Adapt func to Handler.
type HandlerFunc[T any] func(rail flow.Rail, evt T) error

func (f HandlerFunc[T]) Handle(rail flow.Rail, evt T) error {
	return f(rail, evt)
}

type Option func(b *Bus)

func WithSerializer(s Serializer) Option {
	return func(b *Bus) { b.serializer = s }
}

func WithDeliveryPolicy(p DeliveryPolicy) Option {
	return func(b *Bus) { b.policy = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Record dropped messages in the store.
func WithDeadLetters(s deadletter.Store) Option {
	return func(b *Bus) { b.deadLetters = s }
}

func WithDispatcher(d *command.Dispatcher) Option {
	return func(b *Bus) { b.dispatcher = d }
}

// Event bus.
//
// Use New to create one, Bus is safe for concurrent use.
type Bus struct {
	transport   transport.Transport
	serializer  Serializer
	registry    *registry.Registry
	policy      DeliveryPolicy
	metrics     *metrics.Metrics
	deadLetters deadletter.Store
	dispatcher  *command.Dispatcher

	mu        sync.Mutex
	consumers map[string]*consumer
	closed    bool

	// parent rail of consumers, cancelled in Close
	consumeRail flow.Rail
	cancel      func()
	wg          sync.WaitGroup
}

func New(t transport.Transport, opts ...Option) *Bus {
	rail, cancel := flow.EmptyRail().WithCancel()
	b := &Bus{
		transport:   t,
		serializer:  json.Serializer{},
		registry:    registry.New(),
		policy:      DefaultDeliveryPolicy(),
		consumers:   map[string]*consumer{},
		consumeRail: rail,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Registry() *registry.Registry {
	return b.registry
}

func (b *Bus) Transport() transport.Transport {
	return b.transport
}

func (b *Bus) Policy() DeliveryPolicy {
	return b.policy
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish event to the queue named after it.
//
// A connection and a channel are opened for this call only, they are closed before Publish returns.
func Publish(rail flow.Rail, b *Bus, evt any) error {
	if b.isClosed() {
		return errs.ErrBusClosed
	}
	name := event.NameOf(evt)
	if name == "" {
		return errs.ErrSerialization.WithInternalMsg("event is nil")
	}
	payload, err := b.serializer.Marshal(evt)
	if err != nil {
		return errs.ErrSerialization.Wrapf(err, "failed to serialize event '%v'", name)
	}
	if err := b.publishPayload(rail, name, payload); err != nil {
		return err
	}
	rail.Debugf("Published event '%v'", name)
	return nil
}

func (b *Bus) publishPayload(rail flow.Rail, queue string, payload []byte) error {
	conn, err := b.transport.Connect(rail)
	if err != nil {
		return transportErr(err, "failed to connect to %v", b.transport.Name())
	}
	defer conn.Close()

	ch, err := conn.OpenChannel(rail)
	if err != nil {
		return transportErr(err, "failed to open channel")
	}
	defer ch.Close()

	if err := ch.DeclareQueue(rail, queue); err != nil {
		return transportErr(err, "failed to declare queue '%v'", queue)
	}
	if err := ch.Publish(rail, queue, payload); err != nil {
		return transportErr(err, "failed to publish to queue '%v'", queue)
	}
	b.metrics.Published(queue)
	return nil
}

// Subscribe handler H to event T.
//
// A new H is created for every message. H may have pointer receivers:
//
//	type SendConfirmationEmail struct{}
//
//	func (h *SendConfirmationEmail) Handle(rail flow.Rail, evt OrderCreated) error
//
//	bus.Subscribe[OrderCreated, SendConfirmationEmail](rail, b)
//
// The handler type is identified by the Go type name of H, subscribing the same H to T twice
// returns errs.ErrDuplicateHandler. Subscribing to a T whose event name is taken by another Go type
// returns errs.ErrEventTypeConflict.
func Subscribe[T any, HV any, H interface {
	*HV
	Handler[T]
}](rail flow.Rail, b *Bus) error {
	handlerType := reflect.TypeOf((*HV)(nil)).Elem().String()
	return SubscribeFunc(rail, b, handlerType, func() Handler[T] { return H(new(HV)) })
}

// Subscribe handler to event T.
//
// handlerType identifies the handler among the handlers of T, factory is called for every message.
func SubscribeFunc[T any](rail flow.Rail, b *Bus, handlerType string, factory func() Handler[T]) error {
	name := event.TypeNameOf[T]()
	et := registry.EventType{
		Name: name,
		Type: reflect.TypeOf((*T)(nil)).Elem(),
		Decode: func(payload []byte) (any, error) {
			var v T
			if err := b.serializer.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	reg := registry.Registration{
		HandlerType: handlerType,
		Invoke: func(rail flow.Rail, evt any) error {
			v, ok := evt.(T)
			if !ok {
				return errs.NewErrf("expected event of type %T, got %T", v, evt)
			}
			return factory().Handle(rail, v)
		},
	}
	return b.subscribe(rail, et, reg)
}

func (b *Bus) subscribe(rail flow.Rail, et registry.EventType, reg registry.Registration) error {
	if b.isClosed() {
		return errs.ErrBusClosed
	}
	added, err := b.registry.RecordKnownType(et)
	if err != nil {
		return err
	}
	if added {
		rail.Debugf("Recorded event type '%v'", et.Name)
	}
	if err := b.registry.Register(et.Name, reg); err != nil {
		return err
	}
	rail.Infof("Subscribed '%v' to event '%v'", reg.HandlerType, et.Name)
	return b.ensureConsumer(rail, et.Name)
}

// Redelivery is handled by the transport, failed messages are returned to the transport in at-least-once mode.
func (b *Bus) consumeOptions() transport.ConsumeOptions {
	opts := transport.ConsumeOptions{AckMode: transport.AckModeAuto, Qos: b.policy.Qos}
	if b.policy.Mode == AtLeastOnce {
		opts.AckMode = transport.AckModeAfterSuccess
		opts.RetryDelay = b.policy.RetryDelay
	}
	return opts
}

// Send command to its handler, the command never goes through the broker.
func SendCommand(rail flow.Rail, b *Bus, cmd any) error {
	if b.isClosed() {
		return errs.ErrBusClosed
	}
	if b.dispatcher == nil {
		return errs.ErrNoCommandHandler.WithInternalMsg("bus doesn't have a command dispatcher")
	}
	return b.dispatcher.Dispatch(rail, cmd)
}

// Republish dead letter to its queue, the letter is deleted once it's published.
func Redrive(rail flow.Rail, b *Bus, id int64) error {
	if b.isClosed() {
		return errs.ErrBusClosed
	}
	if b.deadLetters == nil {
		return errs.NewErrf("dead letter store is not configured")
	}
	l, err := b.deadLetters.Get(rail, id)
	if err != nil {
		return err
	}
	if err := b.publishPayload(rail, l.EventName, l.Payload); err != nil {
		return err
	}
	if err := b.deadLetters.Delete(rail, id); err != nil {
		return err
	}
	rail.Infof("Redrove dead letter %v to '%v'", id, l.EventName)
	return nil
}

// Close the bus.
//
// Consumers stop listening, in-flight messages are handled to completion, Close waits for consumers to exit until
// the rail is done. Publish and Subscribe fail with errs.ErrBusClosed afterwards.
func (b *Bus) Close(rail flow.Rail) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.mu.Unlock()

	rail.Infof("Closing event bus, waiting for consumers to finish")
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rail.Infof("Event bus closed")
		return nil
	case <-rail.Done():
		return errs.WrapErrf(rail.Context().Err(), "timed out waiting for consumers to finish")
	}
}

func transportErr(err error, msg string, args ...any) error {
	if errors.Is(err, errs.ErrTransport) {
		return err
	}
	return errs.ErrTransport.Wrapf(err, msg, args...)
}

func invokeHandler(rail flow.Rail, reg registry.Registration, evt any) (err error) {
	defer func() {
		if v := recover(); v != nil {
			rail.Errorf("Handler '%v' panicked, %v\n%s", reg.HandlerType, v, debug.Stack())
			err = errs.NewErrf("handler panicked: %v", v)
		}
	}()
	return reg.Invoke(rail, evt)
}
