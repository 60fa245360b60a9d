package app

import (
	"context"
	"sync"

	"github.com/curtisnewbie/microbus/bus"
	"github.com/curtisnewbie/microbus/command"
	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/event"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type OrderItem struct {
	Sku      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type OrderCreated struct {
	event.Base
	OrderId    string      `json:"orderId"`
	CustomerId string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
}

type CreateOrder struct {
	command.Base
	OrderId    string      `json:"orderId"`
	CustomerId string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
}

// In-memory stock of the demo.
type Inventory struct {
	mu    sync.Mutex
	stock map[string]int
}

func NewInventory() *Inventory {
	return &Inventory{stock: map[string]int{}}
}

func (i *Inventory) Take(sku string, n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stock[sku] -= n
}

func (i *Inventory) Stock(sku string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[sku]
}

// Confirmation emails sent by the demo, keyed by order id.
type Outbox struct {
	mu   sync.Mutex
	sent map[string]string
}

func NewOutbox() *Outbox {
	return &Outbox{sent: map[string]string{}}
}

func (o *Outbox) Send(orderId string, customerId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent[orderId] = customerId
}

func (o *Outbox) Sent(orderId string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.sent[orderId]
	return v, ok
}

// Demo module, OrderCreated is handled by two handlers and CreateOrder publishes OrderCreated.
//
//	curl -X POST http://localhost:8080/events/order-created -d '{"orderId":"1","customerId":"c1","items":[{"sku":"apple","quantity":2}]}'
//	curl -X POST http://localhost:8080/commands/create-order -d '{"orderId":"2","customerId":"c1"}'
func DemoModule() fx.Option {
	return fx.Module("demo",
		fx.Provide(NewInventory, NewOutbox),
		fx.Invoke(registerDemo),
	)
}

func registerDemo(lc fx.Lifecycle, b *bus.Bus, d *command.Dispatcher, s *server.Server, inv *Inventory, ob *Outbox) error {
	err := command.Register[CreateOrder](d, command.HandlerFunc[CreateOrder](func(rail flow.Rail, cmd CreateOrder) error {
		if cmd.OrderId == "" {
			return errs.NewErrf("orderId is required")
		}
		rail.Infof("Creating order %v for %v", cmd.OrderId, cmd.CustomerId)
		return bus.Publish(rail, b, OrderCreated{
			Base:       event.NewBase(),
			OrderId:    cmd.OrderId,
			CustomerId: cmd.CustomerId,
			Items:      cmd.Items,
		})
	}))
	if err != nil {
		return err
	}

	e := s.Engine()
	e.POST("/events/order-created", func(c *gin.Context) {
		rail := server.BuildRail(c)
		var evt OrderCreated
		if err := c.ShouldBindJSON(&evt); err != nil {
			server.HandleResult(c, rail, nil, errs.NewErrf("Invalid request, %v", err))
			return
		}
		if evt.Timestamp.IsZero() {
			evt.Base = event.NewBase()
		}
		server.HandleResult(c, rail, nil, bus.Publish(rail, b, evt))
	})
	e.POST("/commands/create-order", func(c *gin.Context) {
		rail := server.BuildRail(c)
		var cmd CreateOrder
		if err := c.ShouldBindJSON(&cmd); err != nil {
			server.HandleResult(c, rail, nil, errs.NewErrf("Invalid request, %v", err))
			return
		}
		cmd.Base = command.NewBase()
		server.HandleResult(c, rail, nil, bus.SendCommand(rail, b, cmd))
	})

	lc.Append(fx.StartHook(func(ctx context.Context) error {
		rail := flow.NewRail(ctx)
		if err := bus.SubscribeFunc(rail, b, "SendConfirmationEmail", func() bus.Handler[OrderCreated] {
			return bus.HandlerFunc[OrderCreated](func(rail flow.Rail, evt OrderCreated) error {
				rail.Infof("Sending confirmation email of order %v to %v", evt.OrderId, evt.CustomerId)
				ob.Send(evt.OrderId, evt.CustomerId)
				return nil
			})
		}); err != nil {
			return err
		}
		return bus.SubscribeFunc(rail, b, "UpdateInventory", func() bus.Handler[OrderCreated] {
			return bus.HandlerFunc[OrderCreated](func(rail flow.Rail, evt OrderCreated) error {
				for _, it := range evt.Items {
					inv.Take(it.Sku, it.Quantity)
				}
				rail.Infof("Inventory updated for order %v", evt.OrderId)
				return nil
			})
		})
	}))
	return nil
}
