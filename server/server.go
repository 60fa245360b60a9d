// Package server exposes the bus over http with gin: health check, prometheus metrics, dead letters and the
// routes registered by the application.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/curtisnewbie/microbus/flow"
	"github.com/gin-gonic/gin"
)

// Routes registar
type RoutesRegistar func(*gin.Engine)

// Http server.
type Server struct {
	conf         Config
	engine       *gin.Engine
	srv          *http.Server
	shuttingDown atomic.Bool
}

// Build the gin engine, routes are registered in order.
func New(conf Config, registars ...RoutesRegistar) *Server {
	s := &Server{conf: conf}

	router := gin.New()
	router.Use(gin.CustomRecovery(DefaultRecovery))
	if conf.PerfEnabled {
		router.Use(PerfMiddleware(conf.HealthCheckUrl))
	}
	for _, registar := range registars {
		registar(router)
	}
	s.engine = router
	return s
}

// Gin engine of the server.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listening, requests are served in a separate goroutine.
func (s *Server) Start(rail flow.Rail) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Host, s.conf.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %v, %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.engine}

	go func() {
		rail.Infof("Listening and serving HTTP on %s", lis.Addr())
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rail.Errorf("http.Server Serve: %s", err)
		}
	}()
	return nil
}

// Shutdown server gracefully, waits until the rail is done.
func (s *Server) Shutdown(rail flow.Rail) error {
	s.shuttingDown.Store(true)
	if s.srv == nil {
		return nil
	}
	rail.Info("Shutting down http server gracefully")
	if err := s.srv.Shutdown(rail.Context()); err != nil {
		return err
	}
	rail.Info("http server exited")
	return nil
}

// check if the server is shutting down
func (s *Server) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Build Rail from the request, trace is loaded from the request headers.
func BuildRail(c *gin.Context) flow.Rail {
	headers := map[string]string{}
	flow.UsePropagationKeys(func(key string) {
		if v := c.GetHeader(key); v != "" {
			headers[key] = v
		}
	})
	return flow.LoadTraceHeaders(flow.NewRail(c.Request.Context()), headers)
}

// Perf Middleware that calculates how much time each request takes
func PerfMiddleware(excluded ...string) gin.HandlerFunc {
	excl := make(map[string]struct{}, len(excluded))
	for _, p := range excluded {
		excl[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := excl[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		c.Next() // continue the handler chain
		BuildRail(c).Infof("%-6v %-60v [%s]", c.Request.Method, c.Request.RequestURI, time.Since(start))
	}
}

