// Package kafka is the Kafka transport, each queue is a topic consumed by one consumer group.
//
// Notice that kafka-go doesn't support CooperativeStickyAssigner and StickyPartitioner, which are used by default in
// cpp and java client. Don't share the topics with clients written in different languages.
package kafka

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/transport"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cast"
)

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Connection = (*connection)(nil)
	_ transport.Channel    = (*channel)(nil)
)

const (
	// Header key that carries the message id, kafka messages don't have one.
	HeaderMessageId = "microbus-message-id"
)

// Kafka transport.
//
// Messages are written by one shared kafka.Writer, every Consume creates its own kafka.Reader.
type Transport struct {
	conf Config

	mu       sync.Mutex
	w        *kafka.Writer
	declared sync.Map
}

func New(c Config) *Transport {
	if len(c.Addrs) < 1 {
		c.Addrs = []string{"localhost:9092"}
	}
	if c.GroupId == "" {
		c.GroupId = "microbus"
	}
	return &Transport{conf: c}
}

func (t *Transport) Name() string {
	return "kafka"
}

func (t *Transport) writer() *kafka.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		t.w = &kafka.Writer{
			Addr:                   kafka.TCP(t.conf.Addrs...),
			Balancer:               &kafka.RoundRobin{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Logger:                 flow.EmptyRail(),
		}
	}
	return t.w
}

func (t *Transport) newReader(topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:               t.conf.Addrs,
		GroupID:               t.conf.GroupId,
		Topic:                 topic,
		MaxAttempts:           math.MaxInt,
		MaxBytes:              10e6, // 10MB
		Logger:                flow.EmptyRail(),
		WatchPartitionChanges: true,
	})
}

// Connect to the first reachable broker.
func (t *Transport) Connect(rail flow.Rail) (transport.Connection, error) {
	var lastErr error
	for _, addr := range t.conf.Addrs {
		conn, err := kafka.DialContext(rail.Context(), "tcp", addr)
		if err != nil {
			lastErr = err
			rail.Warnf("Failed to connect kafka '%v', %v", addr, err)
			continue
		}
		return &connection{t: t, conn: conn, closeCh: make(chan struct{})}, nil
	}
	return nil, errs.ErrTransport.Wrapf(lastErr, "failed to connect kafka: %v", t.conf.Addrs)
}

// Close the shared writer.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	err := t.w.Close()
	t.w = nil
	return err
}

type connection struct {
	t         *Transport
	conn      *kafka.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (c *connection) OpenChannel(rail flow.Rail) (transport.Channel, error) {
	select {
	case <-c.closeCh:
		return nil, errs.ErrTransport.WithInternalMsg("connection is closed")
	default:
	}
	return &channel{c: c, closeCh: make(chan struct{})}, nil
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

type channel struct {
	c         *connection
	closeCh   chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reader *kafka.Reader
}

func (c *channel) usable() error {
	select {
	case <-c.closeCh:
		return errs.ErrTransport.WithInternalMsg("channel is closed")
	case <-c.c.closeCh:
		return errs.ErrTransport.WithInternalMsg("connection is closed")
	default:
		return nil
	}
}

// Create the topic through the controller, one partition per topic.
func (c *channel) DeclareQueue(rail flow.Rail, name string) error {
	if err := c.usable(); err != nil {
		return err
	}
	t := c.c.t
	if _, ok := t.declared.Load(name); ok {
		return nil
	}

	controller, err := c.c.conn.Controller()
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to find kafka controller")
	}
	cc, err := kafka.DialContext(rail.Context(), "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to connect kafka controller")
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{Topic: name, NumPartitions: 1, ReplicationFactor: 1})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return errs.ErrTransport.Wrapf(err, "failed to create topic '%v'", name)
	}
	t.declared.Store(name, true)
	rail.Debugf("Declared topic '%v'", name)
	return nil
}

func buildHeaders(rail flow.Rail, messageId string, attempt int) []kafka.Header {
	headers := []kafka.Header{}

	// propagate trace through headers
	for k, v := range flow.BuildTraceHeaders(rail) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{Key: HeaderMessageId, Value: []byte(messageId)})
	if attempt > 0 {
		headers = append(headers, kafka.Header{Key: transport.HeaderRetryCount, Value: []byte(strconv.Itoa(attempt))})
	}
	return headers
}

func headerMap(headers []kafka.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

func (c *channel) Publish(rail flow.Rail, queue string, payload []byte) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.write(rail, queue, payload, uuid.NewString(), 0)
}

func (c *channel) write(rail flow.Rail, topic string, payload []byte, messageId string, attempt int) error {
	err := c.c.t.writer().WriteMessages(rail.Context(), kafka.Message{
		Topic:   topic,
		Headers: buildHeaders(rail, messageId, attempt),
		Key:     []byte(messageId),
		Value:   payload,
	})
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to write message to '%v'", topic)
	}
	rail.Debugf("Wrote message %v to topic '%v'", messageId, topic)
	return nil
}

func (c *channel) Consume(rail flow.Rail, queue string, opts transport.ConsumeOptions, onDelivery transport.DeliveryFunc) error {
	if err := c.usable(); err != nil {
		return err
	}
	r := c.c.t.newReader(queue)
	c.mu.Lock()
	c.reader = r
	c.mu.Unlock()
	defer r.Close()

	t := c.c.t
	rail.Infof("Created Kafka Reader for (%v, %v), ack: %v", t.conf.GroupId, queue, opts.AckMode)

	for {
		km, err := r.FetchMessage(rail.Context())
		if err != nil {
			if rail.IsDone() || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errs.ErrTransport.WithInternalMsg("Kafka Reader for (%v, %v) closed", t.conf.GroupId, queue)
			}
			return errs.ErrTransport.Wrapf(err, "failed to read Kafka message")
		}

		headers := headerMap(km.Headers)
		drail := flow.LoadTraceHeaders(flow.EmptyRail(), headers)
		d := transport.Delivery{
			RoutingKey: queue,
			Body:       km.Value,
			MessageId:  headers[HeaderMessageId],
			Attempt:    cast.ToInt(headers[transport.HeaderRetryCount]),
		}

		if opts.AckMode == transport.AckModeAuto {
			c.commit(drail, r, km)
			_ = onDelivery(drail, d)
			continue
		}

		if err := onDelivery(drail, d); err != nil {
			c.redeliver(drail, queue, opts, d)
		}
		c.commit(drail, r, km)
	}
}

// Write the failed message back to the topic with the attempt number incremented.
func (c *channel) redeliver(rail flow.Rail, topic string, opts transport.ConsumeOptions, d transport.Delivery) {
	write := func() {
		if err := c.write(rail, topic, d.Body, d.MessageId, d.Attempt+1); err != nil {
			rail.Errorf("Failed to write message %v back to '%v', message lost, %v", d.MessageId, topic, err)
		}
	}
	if opts.RetryDelay > 0 {
		time.AfterFunc(opts.RetryDelay, write)
		return
	}
	write()
}

func (c *channel) commit(rail flow.Rail, r *kafka.Reader, km kafka.Message) {
	// commits must not be cancelled by Close, the message has been consumed already
	if err := r.CommitMessages(context.Background(), km); err != nil {
		rail.Errorf("Failed to commit Kafka message (%v, %v), offset: %v, %v", c.c.t.conf.GroupId, km.Topic, km.Offset, err)
		return
	}
	rail.Debugf("Kafka message commited at topic: %v, partition: %v, offset: %v", km.Topic, km.Partition, km.Offset)
}

// Close the channel, a running Consume returns once its reader is closed.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		r := c.reader
		c.mu.Unlock()
		if r != nil {
			_ = r.Close()
		}
	})
	return nil
}
