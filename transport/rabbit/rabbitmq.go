// Package rabbit is the RabbitMQ transport.
//
// Messages are published through the default exchange, the routing key is the queue name.
package rabbit

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/transport"
	"github.com/curtisnewbie/microbus/util"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
)

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Connection = (*connection)(nil)
	_ transport.Channel    = (*channel)(nil)
)

const (
	// Default QOS
	DefaultQos = 68

	defaultExchange = "" // default exchange that routes based on queue name using routing key
)

var (
	errMsgNotPublished = errors.New("message not published, server failed to confirm")
)

// RabbitMQ transport.
//
// By default, every Connect dials a new connection. With Config.SharedConnection, one connection is shared by all
// callers and the channels used for publishing are pooled, channels that have consumed are never put back to the pool.
type Transport struct {
	conf Config

	mu     sync.Mutex
	shared *amqp.Connection
	pool   *util.FixedPool[*amqp.Channel]
	closed bool
}

func New(c Config) *Transport {
	if c.PublisherPool < 1 {
		c.PublisherPool = 20
	}
	if c.ConsumerQos < 1 {
		c.ConsumerQos = DefaultQos
	}
	return &Transport{
		conf: c,
		pool: util.NewFixedPool(c.PublisherPool,
			util.FixedPoolFilterFunc(func(c *amqp.Channel) (dropped bool) { return c.IsClosed() })),
	}
}

func (t *Transport) Name() string {
	return "rabbitmq"
}

func dialUrl(c Config) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Vhost,
	}
	return u.String()
}

func (t *Transport) dial(rail flow.Rail) (*amqp.Connection, error) {
	c := amqp.Config{}
	c.Properties = amqp.Table{
		"connection_name": t.conf.ConnectionName,
	}
	rail.Infof("Establish connection to RabbitMQ: '%s@%s:%d/%s'", t.conf.Username, t.conf.Host, t.conf.Port, t.conf.Vhost)
	conn, err := amqp.DialConfig(dialUrl(t.conf), c)
	if err != nil {
		return nil, errs.ErrTransport.Wrapf(err, "failed to connect RabbitMQ server")
	}
	return conn, nil
}

func (t *Transport) Connect(rail flow.Rail) (transport.Connection, error) {
	if !t.conf.SharedConnection {
		conn, err := t.dial(rail)
		if err != nil {
			return nil, err
		}
		return &connection{t: t, conn: conn}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errs.ErrTransport.WithInternalMsg("transport is closed")
	}
	if t.shared == nil || t.shared.IsClosed() {
		conn, err := t.dial(rail)
		if err != nil {
			return nil, err
		}
		t.shared = conn
	}
	return &connection{t: t, conn: t.shared, shared: true}, nil
}

// Close the shared connection, it's a no-op if the connection is not shared.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.pool.Drain(func(ch *amqp.Channel) { _ = ch.Close() })
	if t.shared != nil {
		err := t.shared.Close()
		t.shared = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

type connection struct {
	t      *Transport
	conn   *amqp.Connection
	shared bool
}

func (c *connection) OpenChannel(rail flow.Rail) (transport.Channel, error) {
	if c.shared {
		if ch, ok := c.t.pool.TryPop(); ok {
			return &channel{c: c, ch: ch}, nil
		}
	}
	if c.conn.IsClosed() {
		return nil, errs.ErrTransport.WithInternalMsg("RabbitMQ connection is closed, unable to create channel")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errs.ErrTransport.Wrapf(err, "failed to obtain RabbitMQ channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errs.ErrTransport.Wrapf(err, "channel could not be put into confirm mode")
	}
	rail.Debug("Created new RabbitMQ channel")
	return &channel{c: c, ch: ch}, nil
}

// Close the connection, a shared connection is only closed by Transport.Close.
func (c *connection) Close() error {
	if c.shared {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

type channel struct {
	c         *connection
	ch        *amqp.Channel
	consumed  bool
	closeOnce sync.Once
}

func (c *channel) DeclareQueue(rail flow.Rail, name string) error {
	q, err := c.ch.QueueDeclare(name, c.c.t.conf.Durable, false, false, false, nil)
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to declare queue '%v'", name)
	}
	rail.Debugf("Declared queue '%s'", q.Name)
	return nil
}

func redeliverQueue(queue string, delay time.Duration) string {
	return fmt.Sprintf("redeliver_%v_%v", queue, delay.Milliseconds())
}

// Declare a queue without subscriber, once the messages are expired, they are routed back to the original queue.
//
// 	src: https://ivanyu.me/blog/2015/02/16/delayed-message-delivery-in-rabbitmq/
func (c *channel) declareRedeliverQueue(rail flow.Rail, queue string, delay time.Duration) (string, error) {
	rq := redeliverQueue(queue, delay)
	_, err := c.ch.QueueDeclare(rq, c.c.t.conf.Durable, false, false, false, amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    defaultExchange,
		"x-dead-letter-routing-key": queue,
	})
	if err != nil {
		return "", errs.ErrTransport.Wrapf(err, "failed to declare redeliver queue '%v' for '%v'", rq, queue)
	}
	rail.Debugf("Declared redeliver queue '%s' for '%v'", rq, queue)
	return rq, nil
}

func (c *channel) Publish(rail flow.Rail, queue string, payload []byte) error {
	headers := amqp.Table{}

	// propagate trace through headers
	for k, v := range flow.BuildTraceHeaders(rail) {
		headers[k] = v
	}
	return c.publish(rail, queue, payload, headers, uuid.NewString())
}

func (c *channel) publish(rail flow.Rail, queue string, payload []byte, headers amqp.Table, messageId string) error {
	mode := amqp.Transient
	if c.c.t.conf.Durable {
		mode = amqp.Persistent
	}
	publishing := amqp.Publishing{
		ContentType:  c.c.t.conf.ContentType,
		DeliveryMode: mode,
		Body:         payload,
		Headers:      headers,
		MessageId:    messageId,
	}
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(rail.Context(), defaultExchange, queue, false, false, publishing)
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to publish message")
	}
	if !confirm.Wait() {
		return errs.ErrTransport.Wrapf(errMsgNotPublished, "failed to publish message to '%v'", queue)
	}
	rail.Debugf("Published message %v to queue '%v'", messageId, queue)
	return nil
}

func attemptOf(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	if v, ok := headers[transport.HeaderRetryCount]; ok {
		return cast.ToInt(v)
	}
	return 0
}

func (c *channel) Consume(rail flow.Rail, queue string, opts transport.ConsumeOptions, onDelivery transport.DeliveryFunc) error {
	c.consumed = true

	qos := c.c.t.conf.ConsumerQos
	if opts.Qos > 0 {
		qos = opts.Qos
	}
	if err := c.ch.Qos(qos, 0, false); err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to set qos")
	}

	autoAck := opts.AckMode == transport.AckModeAuto
	redeliverTo := queue
	if !autoAck && opts.RetryDelay > 0 {
		rq, err := c.declareRedeliverQueue(rail, queue, opts.RetryDelay)
		if err != nil {
			return err
		}
		redeliverTo = rq
	}

	connClosed := c.c.conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := c.ch.NotifyClose(make(chan *amqp.Error, 1))

	msgCh, err := c.ch.Consume(queue, "", autoAck, false, false, false, nil)
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to listen to '%s'", queue)
	}
	rail.Infof("Listening to RabbitMQ queue '%v', qos: %v, ack: %v", queue, qos, opts.AckMode)

	for {
		select {
		case <-rail.Done():
			return nil
		case e := <-connClosed:
			return errs.ErrTransport.WithInternalMsg("RabbitMQ connection closed, %v", e)
		case e := <-chClosed:
			return errs.ErrTransport.WithInternalMsg("RabbitMQ channel closed, %v", e)
		case msg, ok := <-msgCh:
			if !ok {
				return errs.ErrTransport.WithInternalMsg("RabbitMQ delivery channel of '%v' closed", queue)
			}
			c.handle(queue, redeliverTo, autoAck, msg, onDelivery)
		}
	}
}

func (c *channel) handle(queue string, redeliverTo string, autoAck bool, msg amqp.Delivery, onDelivery transport.DeliveryFunc) {
	// read trace from headers
	rail := flow.LoadTraceHeaders(flow.EmptyRail(), map[string]any(msg.Headers))
	attempt := attemptOf(msg.Headers)

	err := onDelivery(rail, transport.Delivery{
		RoutingKey: queue,
		Body:       msg.Body,
		MessageId:  msg.MessageId,
		Attempt:    attempt,
	})
	if autoAck {
		return
	}
	if err == nil {
		_ = msg.Ack(false)
		return
	}

	// RabbitMQ doesn't track the number of redeliveries, the message is published again with the attempt
	// number incremented, and the current one is acked.
	nextHeaders := amqp.Table{}
	for k, v := range msg.Headers {
		nextHeaders[k] = v
	}
	nextHeaders[transport.HeaderRetryCount] = int32(attempt + 1)

	perr := c.publish(rail, redeliverTo, msg.Body, nextHeaders, msg.MessageId)
	if perr == nil {
		_ = msg.Ack(false)
		rail.Debugf("Sent message %v to '%v' for redelivery", msg.MessageId, redeliverTo)
		return
	}
	rail.Errorf("Failed to send message %v to '%v' for redelivery, %v", msg.MessageId, redeliverTo, perr)

	_ = msg.Nack(false, true)
	rail.Debugf("Nacked message: %v", msg.MessageId)
}

// Close the channel, channels of a shared connection are put back to the pool unless they have consumed.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.c.shared && !c.consumed && !c.ch.IsClosed() && c.c.t.pool.TryPush(c.ch) {
			return
		}
		if e := c.ch.Close(); e != nil && !errors.Is(e, amqp.ErrClosed) {
			err = e
		}
	})
	return err
}
