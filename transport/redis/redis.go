// Package redis is a transport backed by Redis lists.
//
// Each queue is a list, messages are LPUSHed as json envelopes and BRPOPed by consumers.
package redis

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/curtisnewbie/microbus/encoding/json"
	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/transport"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
)

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Connection = (*connection)(nil)
	_ transport.Channel    = (*channel)(nil)
)

// Message stored in the list.
type envelope struct {
	MessageId string            `json:"messageId"`
	Attempt   int               `json:"attempt"`
	Headers   map[string]string `json:"headers"`
	Payload   []byte            `json:"payload"`
}

// Redis transport.
//
// The go-redis client is a connection pool, it's created on the first Connect and shared by every Connection.
type Transport struct {
	conf Config

	mu     sync.Mutex
	client *redis.Client
}

func New(c Config) *Transport {
	if c.QueuePrefix == "" {
		c.QueuePrefix = "microbus:queue:"
	}
	if c.PollTimeout < time.Second {
		c.PollTimeout = time.Second
	}
	return &Transport{conf: c}
}

func (t *Transport) Name() string {
	return "redis"
}

func (t *Transport) queueKey(name string) string {
	return t.conf.QueuePrefix + name
}

func (t *Transport) declaredKey() string {
	return t.conf.QueuePrefix + "declared"
}

func (t *Transport) redis(rail flow.Rail) (*redis.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	rail.Infof("Connecting to redis '%v:%v', database: %v", t.conf.Address, t.conf.Port, t.conf.Database)
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", t.conf.Address, t.conf.Port),
		Password: t.conf.Password,
		DB:       t.conf.Database,
	})
	if err := rdb.Ping().Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrTransport.Wrapf(err, "ping redis failed")
	}
	rail.Info("Redis connection initialized")
	t.client = rdb
	return rdb, nil
}

func (t *Transport) Connect(rail flow.Rail) (transport.Connection, error) {
	client, err := t.redis(rail)
	if err != nil {
		return nil, err
	}
	return &connection{t: t, client: client, closeCh: make(chan struct{})}, nil
}

// Close the underlying client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

type connection struct {
	t         *Transport
	client    *redis.Client
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
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

type channel struct {
	c         *connection
	closeCh   chan struct{}
	closeOnce sync.Once
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

func (c *channel) DeclareQueue(rail flow.Rail, name string) error {
	if err := c.usable(); err != nil {
		return err
	}
	n, err := c.c.client.SAdd(c.c.t.declaredKey(), name).Result()
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to declare queue '%v'", name)
	}
	if n > 0 {
		rail.Debugf("Declared queue '%v'", name)
	}
	return nil
}

func (c *channel) Publish(rail flow.Rail, queue string, payload []byte) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.push(rail, queue, envelope{
		MessageId: uuid.NewString(),
		Headers:   flow.BuildTraceHeaders(rail),
		Payload:   payload,
	})
}

func (c *channel) push(rail flow.Rail, queue string, env envelope) error {
	s, err := json.SWriteJson(env)
	if err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to marshal envelope")
	}
	if err := c.c.client.LPush(c.c.t.queueKey(queue), s).Err(); err != nil {
		return errs.ErrTransport.Wrapf(err, "failed to push message to '%v'", queue)
	}
	rail.Debugf("Pushed message %v to queue '%v'", env.MessageId, queue)
	return nil
}

func (c *channel) Consume(rail flow.Rail, queue string, opts transport.ConsumeOptions, onDelivery transport.DeliveryFunc) error {
	key := c.c.t.queueKey(queue)
	rail.Infof("Polling redis list '%v', ack: %v", key, opts.AckMode)

	for {
		if rail.IsDone() {
			return nil
		}
		if err := c.usable(); err != nil {
			return err
		}

		res, err := c.c.client.BRPop(c.c.t.conf.PollTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if rail.IsDone() {
				return nil
			}
			return errs.ErrTransport.Wrapf(err, "failed to pop message from '%v'", key)
		}
		if len(res) < 2 {
			continue
		}

		var env envelope
		if err := json.ParseJson([]byte(res[1]), &env); err != nil {
			rail.Errorf("Malformed envelope in '%v', dropped, %v", key, err)
			continue
		}
		c.handle(queue, opts, env, onDelivery)
	}
}

func (c *channel) handle(queue string, opts transport.ConsumeOptions, env envelope, onDelivery transport.DeliveryFunc) {
	rail := flow.LoadTraceHeaders(flow.EmptyRail(), env.Headers)
	err := onDelivery(rail, transport.Delivery{
		RoutingKey: queue,
		Body:       env.Payload,
		MessageId:  env.MessageId,
		Attempt:    env.Attempt,
	})
	if err == nil || opts.AckMode != transport.AckModeAfterSuccess {
		return
	}

	env.Attempt++
	requeue := func() {
		if perr := c.push(rail, queue, env); perr != nil {
			rail.Errorf("Failed to requeue message %v, message lost, %v", env.MessageId, perr)
		}
	}
	if opts.RetryDelay > 0 {
		time.AfterFunc(opts.RetryDelay, requeue)
		return
	}
	requeue()
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}
