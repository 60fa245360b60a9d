// Package memory is an in-process broker, one unbounded FIFO queue per name.
package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/transport"
	"github.com/google/uuid"
)

var (
	_ transport.Transport  = (*Broker)(nil)
	_ transport.Connection = (*connection)(nil)
	_ transport.Channel    = (*channel)(nil)
)

type message struct {
	id      string
	body    []byte
	headers map[string]string
	attempt int
}

type queue struct {
	mu     sync.Mutex
	items  []message
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(m message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) tryPop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) < 1 {
		return message{}, false
	}
	m := q.items[0]
	q.items[0] = message{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal() // wake up competing consumers
	}
	return m, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// In-memory broker.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	conns       map[*connection]struct{}
	unavailable atomic.Bool
	connects    atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		queues: map[string]*queue{},
		conns:  map[*connection]struct{}{},
	}
}

func (b *Broker) Name() string {
	return "memory"
}

// Make the broker (un)reachable, new connections and channels fail while it's unavailable.
func (b *Broker) SetUnavailable(v bool) {
	b.unavailable.Store(v)
}

// Close every open connection, mimicking a broker restart.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Number of messages waiting in the queue.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Number of successful Connect calls.
func (b *Broker) Connects() int64 {
	return b.connects.Load()
}

// Number of connections that are not closed yet.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) getQueue(name string) (*queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *Broker) Connect(rail flow.Rail) (transport.Connection, error) {
	if b.unavailable.Load() {
		return nil, errs.ErrTransport.WithInternalMsg("in-memory broker is unavailable")
	}
	c := &connection{broker: b, closeCh: make(chan struct{})}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	b.connects.Add(1)
	return c, nil
}

type connection struct {
	broker    *Broker
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (c *connection) isClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *connection) OpenChannel(rail flow.Rail) (transport.Channel, error) {
	if c.isClosed() {
		return nil, errs.ErrTransport.WithInternalMsg("connection is closed")
	}
	if c.broker.unavailable.Load() {
		return nil, errs.ErrTransport.WithInternalMsg("in-memory broker is unavailable")
	}
	return &channel{conn: c, closeCh: make(chan struct{})}, nil
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.broker.mu.Lock()
		delete(c.broker.conns, c)
		c.broker.mu.Unlock()
	})
	return nil
}

type channel struct {
	conn      *connection
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (c *channel) usable() error {
	select {
	case <-c.closeCh:
		return errs.ErrTransport.WithInternalMsg("channel is closed")
	case <-c.conn.closeCh:
		return errs.ErrTransport.WithInternalMsg("connection is closed")
	default:
		return nil
	}
}

func (c *channel) DeclareQueue(rail flow.Rail, name string) error {
	if err := c.usable(); err != nil {
		return err
	}
	b := c.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newQueue()
		rail.Debugf("Declared queue '%v'", name)
	}
	return nil
}

func (c *channel) Publish(rail flow.Rail, queueName string, payload []byte) error {
	return c.publish(queueName, message{
		id:      uuid.NewString(),
		body:    payload,
		headers: flow.BuildTraceHeaders(rail),
	})
}

func (c *channel) publish(queueName string, m message) error {
	if err := c.usable(); err != nil {
		return err
	}
	q, ok := c.conn.broker.getQueue(queueName)
	if !ok {
		return errs.ErrTransport.WithInternalMsg("queue '%v' is not declared", queueName)
	}
	body := make([]byte, len(m.body))
	copy(body, m.body)
	m.body = body
	q.push(m)
	return nil
}

func (c *channel) Consume(rail flow.Rail, queueName string, opts transport.ConsumeOptions, onDelivery transport.DeliveryFunc) error {
	if err := c.usable(); err != nil {
		return err
	}
	q, ok := c.conn.broker.getQueue(queueName)
	if !ok {
		return errs.ErrTransport.WithInternalMsg("queue '%v' is not declared", queueName)
	}

	for {
		if rail.IsDone() {
			return nil
		}
		m, ok := q.tryPop()
		if !ok {
			select {
			case <-rail.Done():
				return nil
			case <-c.closeCh:
				return errs.ErrTransport.WithInternalMsg("channel is closed")
			case <-c.conn.closeCh:
				return errs.ErrTransport.WithInternalMsg("connection is closed")
			case <-q.notify:
			}
			continue
		}

		drail := flow.LoadTraceHeaders(flow.EmptyRail(), m.headers)
		d := transport.Delivery{RoutingKey: queueName, Body: m.body, MessageId: m.id, Attempt: m.attempt}
		err := onDelivery(drail, d)

		if opts.AckMode == transport.AckModeAfterSuccess && err != nil {
			m.attempt++
			if opts.RetryDelay > 0 {
				time.AfterFunc(opts.RetryDelay, func() { q.push(m) })
			} else {
				q.push(m)
			}
			drail.Debugf("Message %v requeued, attempt: %v", m.id, m.attempt)
		}
	}
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}
