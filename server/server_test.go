package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/curtisnewbie/microbus/bus"
	"github.com/curtisnewbie/microbus/deadletter"
	"github.com/curtisnewbie/microbus/encoding/json"
	"github.com/curtisnewbie/microbus/errs"
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/metrics"
	"github.com/curtisnewbie/microbus/transport/memory"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type orderPlaced struct {
	OrderId int `json:"orderId"`
}

func newTestBus(t *testing.T, opts ...bus.Option) (*memory.Broker, *bus.Bus) {
	t.Helper()
	broker := memory.NewBroker()
	b := bus.New(broker, opts...)
	t.Cleanup(func() { b.Close(flow.EmptyRail()) })
	return broker, b
}

func newTestStore(t *testing.T) *deadletter.GormStore {
	t.Helper()
	db, err := deadletter.Open(flow.EmptyRail(), deadletter.DriverSqlite, filepath.Join(t.TempDir(), "deadletter.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDb, err := db.DB(); err == nil {
			sqlDb.Close()
		}
	})
	s, err := deadletter.NewGormStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func serve(s *Server, method string, url string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, nil)
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthRoute(t *testing.T) {
	rail := flow.EmptyRail()
	_, b := newTestBus(t)
	err := bus.SubscribeFunc(rail, b, "noop", func() bus.Handler[orderPlaced] {
		return bus.HandlerFunc[orderPlaced](func(rail flow.Rail, evt orderPlaced) error { return nil })
	})
	if err != nil {
		t.Fatal(err)
	}

	s := New(Config{})
	HealthRoute(s, "/health", b)(s.Engine())

	w := serve(s, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %v", w.Code)
	}
	var h Health
	if err := json.ParseJson(w.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	t.Logf("%+v", h)
	if h.Status != "UP" || h.Transport != "memory" {
		t.Fatalf("health: %+v", h)
	}
	if len(h.Events) != 1 || h.Events[0] != "orderPlaced" {
		t.Fatalf("events: %v", h.Events)
	}
	if len(h.Consumers) != 1 || h.Consumers[0].Event != "orderPlaced" {
		t.Fatalf("consumers: %v", h.Consumers)
	}
	if st := h.Consumers[0].State; st != "listening" && st != "processing" {
		t.Fatalf("state: %v", st)
	}
}

func TestHealthRouteShuttingDown(t *testing.T) {
	_, b := newTestBus(t)
	s := New(Config{})
	HealthRoute(s, "/health", b)(s.Engine())

	if err := s.Shutdown(flow.EmptyRail()); err != nil {
		t.Fatal(err)
	}
	if !s.IsShuttingDown() {
		t.Fatal("should be shutting down")
	}
	w := serve(s, http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %v", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	_, b := newTestBus(t, bus.WithMetrics(m))
	if err := bus.Publish(flow.EmptyRail(), b, orderPlaced{OrderId: 1}); err != nil {
		t.Fatal(err)
	}

	s := New(Config{}, MetricsRoute("/metrics", metrics.HandlerFor(reg)))
	w := serve(s, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %v", w.Code)
	}
	if !strings.Contains(w.Body.String(), `microbus_events_published_total{event="orderPlaced"} 1`) {
		t.Fatalf("body: %v", w.Body.String())
	}
}

type letterListResp struct {
	ErrorCode string              `json:"errorCode"`
	Error     bool                `json:"error"`
	Data      []deadletter.Letter `json:"data"`
}

func TestDeadLetterRoutes(t *testing.T) {
	rail := flow.EmptyRail()
	store := newTestStore(t)
	broker, b := newTestBus(t, bus.WithDeadLetters(store))
	s := New(Config{}, DeadLetterRoutes(b, store))

	l := &deadletter.Letter{EventName: "orderPlaced", MessageId: "m1", Payload: []byte(`{"orderId":1}`),
		Reason: deadletter.ReasonHandlerFailed, Error: "oops"}
	if err := store.Save(rail, l); err != nil {
		t.Fatal(err)
	}

	w := serve(s, http.MethodGet, "/deadletters?event=orderPlaced")
	var lr letterListResp
	if err := json.ParseJson(w.Body.Bytes(), &lr); err != nil {
		t.Fatal(err)
	}
	if lr.Error || len(lr.Data) != 1 || lr.Data[0].MessageId != "m1" {
		t.Fatalf("list: %+v", lr)
	}

	w = serve(s, http.MethodPost, "/deadletters/abc/redrive")
	var r Resp
	if err := json.ParseJson(w.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if !r.Error {
		t.Fatalf("invalid id should fail: %+v", r)
	}

	w = serve(s, http.MethodPost, "/deadletters/999/redrive")
	r = Resp{}
	if err := json.ParseJson(w.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.ErrorCode != errs.ErrCodeNotFound {
		t.Fatalf("missing letter: %+v", r)
	}

	w = serve(s, http.MethodPost, "/deadletters/"+strconv.FormatInt(l.Id, 10)+"/redrive")
	r = Resp{}
	if err := json.ParseJson(w.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.Error {
		t.Fatalf("redrive: %+v", r)
	}
	if n := broker.QueueLen("orderPlaced"); n != 1 {
		t.Fatalf("queue len: %v", n)
	}

	w = serve(s, http.MethodDelete, "/deadletters/"+strconv.FormatInt(l.Id, 10))
	r = Resp{}
	if err := json.ParseJson(w.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.ErrorCode != errs.ErrCodeNotFound {
		t.Fatalf("letter should have been deleted by redrive: %+v", r)
	}
}

func TestRecovery(t *testing.T) {
	s := New(Config{}, func(e *gin.Engine) {
		e.GET("/panic", func(c *gin.Context) { panic(errs.ErrNotFound.WithInternalMsg("gone")) })
		e.GET("/panic-str", func(c *gin.Context) { panic("boom") })
	})

	w := serve(s, http.MethodGet, "/panic")
	var r Resp
	if err := json.ParseJson(w.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if !r.Error || r.ErrorCode != errs.ErrCodeNotFound {
		t.Fatalf("resp: %+v", r)
	}

	w = serve(s, http.MethodGet, "/panic-str")
	r = Resp{}
	if err := json.ParseJson(w.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if !r.Error || r.ErrorCode != errs.ErrCodeUnknownError {
		t.Fatalf("resp: %+v", r)
	}
}

func TestWrapResp(t *testing.T) {
	rail := flow.EmptyRail()
	if r := WrapResp(rail, 1, nil); r.Error || r.Data != 1 {
		t.Fatalf("%+v", r)
	}
	if r := WrapResp(rail, nil, errs.ErrBusClosed); r.ErrorCode != errs.ErrCodeBusClosed || r.Msg != "Bus is closed" {
		t.Fatalf("%+v", r)
	}
	if r := WrapResp(rail, nil, errs.ErrTransport.Wrapf(http.ErrServerClosed, "closed")); r.ErrorCode != errs.ErrCodeTransport {
		t.Fatalf("%+v", r)
	}
}

func TestStartShutdown(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0})
	rail := flow.EmptyRail()
	if err := s.Start(rail); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(rail); err != nil {
		t.Fatal(err)
	}
}
