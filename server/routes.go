package server

import (
	"net/http"
	"sort"

	"github.com/curtisnewbie/microbus/bus"
	"github.com/curtisnewbie/microbus/deadletter"
	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

type ConsumerStatus struct {
	Event string `json:"event"`
	State string `json:"state"`
}

type Health struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Transport string           `json:"transport"`
	Events    []string         `json:"events"`
	Consumers []ConsumerStatus `json:"consumers"`
}

// Build health of the bus, consumers are sorted by event name.
func BuildHealth(s *Server, b *bus.Bus) Health {
	h := Health{Status: "UP", Version: version.Version, Transport: b.Transport().Name(), Events: b.Registry().EventNames()}
	if s != nil && s.IsShuttingDown() {
		h.Status = "DOWN"
	}
	for name, st := range b.ConsumerStates() {
		h.Consumers = append(h.Consumers, ConsumerStatus{Event: name, State: st.String()})
	}
	sort.Slice(h.Consumers, func(i, j int) bool { return h.Consumers[i].Event < h.Consumers[j].Event })
	return h
}

// Register health check endpoint.
func HealthRoute(s *Server, url string, b *bus.Bus) RoutesRegistar {
	return func(e *gin.Engine) {
		e.GET(url, func(c *gin.Context) {
			h := BuildHealth(s, b)
			status := http.StatusOK
			if h.Status != "UP" {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, h)
		})
	}
}

// Register prometheus metrics endpoint.
func MetricsRoute(url string, h http.Handler) RoutesRegistar {
	return func(e *gin.Engine) {
		e.GET(url, gin.WrapH(h))
	}
}

// Register dead letter endpoints.
//
//	GET  /deadletters?event=&limit=&offset=
//	POST /deadletters/:id/redrive
//	DELETE /deadletters/:id
func DeadLetterRoutes(b *bus.Bus, store deadletter.Store) RoutesRegistar {
	return func(e *gin.Engine) {
		e.GET("/deadletters", func(c *gin.Context) {
			rail := BuildRail(c)
			l, err := store.List(rail, deadletter.ListReq{
				EventName: c.Query("event"),
				Limit:     cast.ToInt(c.DefaultQuery("limit", "20")),
				Offset:    cast.ToInt(c.Query("offset")),
			})
			HandleResult(c, rail, l, err)
		})
		e.POST("/deadletters/:id/redrive", func(c *gin.Context) {
			rail := BuildRail(c)
			id, err := cast.ToInt64E(c.Param("id"))
			if err != nil {
				HandleResult(c, rail, nil, errs.NewErrf("Invalid id: %v", c.Param("id")))
				return
			}
			HandleResult(c, rail, nil, bus.Redrive(rail, b, id))
		})
		e.DELETE("/deadletters/:id", func(c *gin.Context) {
			rail := BuildRail(c)
			id, err := cast.ToInt64E(c.Param("id"))
			if err != nil {
				HandleResult(c, rail, nil, errs.NewErrf("Invalid id: %v", c.Param("id")))
				return
			}
			HandleResult(c, rail, nil, store.Delete(rail, id))
		})
	}
}
