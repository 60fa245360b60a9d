// Package app wires the bus and its infrastructure with fx, everything is configured through props.
package app

import (
	"context"
	"io"
	"time"

	"github.com/curtisnewbie/microbus/bus"
	"github.com/curtisnewbie/microbus/command"
	"github.com/curtisnewbie/microbus/config"
	"github.com/curtisnewbie/microbus/deadletter"
	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/metrics"
	"github.com/curtisnewbie/microbus/server"
	"github.com/curtisnewbie/microbus/transport"
	"github.com/curtisnewbie/microbus/transport/kafka"
	"github.com/curtisnewbie/microbus/transport/memory"
	"github.com/curtisnewbie/microbus/transport/rabbit"
	"github.com/curtisnewbie/microbus/transport/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

const (
	TransportMemory   = "memory"
	TransportRabbitMQ = "rabbitmq"
	TransportRedis    = "redis"
	TransportKafka    = "kafka"
)

// Module of the bus, the transport, metrics, dead letter store, command dispatcher and the http server.
func Module() fx.Option {
	return fx.Module("microbus",
		fx.Provide(
			provideTransport,
			provideMetricsRegistry,
			provideMetrics,
			provideDeadLetters,
			command.NewDispatcher,
			provideBus,
			provideServer,
		),
		fx.Invoke(registerServerLifecycle),
	)
}

func provideTransport(lc fx.Lifecycle) (transport.Transport, error) {
	var t transport.Transport
	switch name := config.GetPropStr(bus.PropBusTransport); name {
	case TransportMemory, "":
		t = memory.NewBroker()
	case TransportRabbitMQ:
		t = rabbit.New(rabbit.ConfigFromProps())
	case TransportRedis:
		t = redis.New(redis.ConfigFromProps())
	case TransportKafka:
		t = kafka.New(kafka.ConfigFromProps())
	default:
		return nil, errs.NewErrf("unsupported transport: '%v'", name)
	}

	if c, ok := t.(io.Closer); ok {
		lc.Append(fx.StopHook(func(ctx context.Context) error {
			flow.NewRail(ctx).Infof("Closing %v transport", t.Name())
			return c.Close()
		}))
	}
	return t, nil
}

func provideMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	if !config.GetPropBool(metrics.PropMetricsEnabled) {
		return nil
	}
	return metrics.New(reg)
}

func provideDeadLetters(lc fx.Lifecycle) (deadletter.Store, error) {
	if !config.GetPropBool(deadletter.PropDeadLetterEnabled) {
		return nil, nil
	}
	rail := flow.EmptyRail()
	db, err := deadletter.Open(rail, config.GetPropStr(deadletter.PropDeadLetterDriver), config.GetPropStr(deadletter.PropDeadLetterDsn))
	if err != nil {
		return nil, err
	}
	store, err := deadletter.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		sqlDb, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDb.Close()
	}))
	return store, nil
}

type busParams struct {
	fx.In

	Transport   transport.Transport
	Metrics     *metrics.Metrics
	DeadLetters deadletter.Store
	Dispatcher  *command.Dispatcher
}

func provideBus(lc fx.Lifecycle, p busParams) (*bus.Bus, error) {
	policy, err := bus.DeliveryPolicyFromConfig()
	if err != nil {
		return nil, err
	}
	b := bus.New(p.Transport,
		bus.WithDeliveryPolicy(policy),
		bus.WithMetrics(p.Metrics),
		bus.WithDeadLetters(p.DeadLetters),
		bus.WithDispatcher(p.Dispatcher),
	)
	flow.EmptyRail().Infof("Created event bus, transport: %v, delivery: %v, max-retry: %v",
		p.Transport.Name(), policy.Mode, policy.MaxRetry)

	lc.Append(fx.StopHook(func() error {
		timeout := config.GetPropDur(bus.PropBusShutdownTimeoutSec, time.Second)
		rail, cancel := flow.EmptyRail().WithTimeout(timeout)
		defer cancel()
		return b.Close(rail)
	}))
	return b, nil
}

type serverParams struct {
	fx.In

	Bus         *bus.Bus
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	DeadLetters deadletter.Store
}

func provideServer(p serverParams) *server.Server {
	conf := server.ConfigFromProps()
	s := server.New(conf)
	e := s.Engine()
	server.HealthRoute(s, conf.HealthCheckUrl, p.Bus)(e)
	if p.Metrics != nil {
		server.MetricsRoute(config.GetPropStr(metrics.PropMetricsRoute), metrics.HandlerFor(p.Registry))(e)
	}
	if p.DeadLetters != nil {
		server.DeadLetterRoutes(p.Bus, p.DeadLetters)(e)
	}
	return s
}

func registerServerLifecycle(lc fx.Lifecycle, s *server.Server) {
	if !config.GetPropBool(server.PropServerEnabled) {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(flow.EmptyRail())
		},
		OnStop: func(ctx context.Context) error {
			return s.Shutdown(flow.NewRail(ctx))
		},
	})
}
