package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/entity"
	"github.com/replicon-project/replicon/internal/health"
	"github.com/replicon-project/replicon/internal/journal"
	"github.com/replicon-project/replicon/internal/replication"
	"github.com/replicon-project/replicon/internal/transport"
)

type crate struct {
	entity.Base
	Weight entity.Var[uint16]
}

func testRegistry(t *testing.T) *entity.Registry {
	t.Helper()
	r := entity.NewRegistry()
	if err := entity.Link[crate](r, "Crate"); err != nil {
		t.Fatal(err)
	}
	if err := entity.RegisterVariable(r, "Crate", "weight", func(c *crate) entity.Variable { return &c.Weight }); err != nil {
		t.Fatal(err)
	}
	return r
}

func fastTransport() transport.Config {
	return transport.Config{
		ResendInterval:          20 * time.Millisecond,
		ConnectionTimeout:       2 * time.Second,
		LosingConnectionTimeout: 2 * time.Second,
		KeepAliveInterval:       500 * time.Millisecond,
		IntakeQueueSize:         64,
	}
}

func startHost(t *testing.T) (*replication.Host, *entity.Registry) {
	t.Helper()
	reg := testRegistry(t)
	host := replication.NewHost(entity.NewServerManager(reg), transport.Options{
		MaxConnections: 4,
		Connection:     fastTransport(),
	}, nil)
	if err := host.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(host.Stop)
	return host, reg
}

func newTestServer(t *testing.T, deps Deps) (*Server, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ApplicationData.API.RateLimitRPS = 0
	cfg.ApplicationData.API.ControlRateLimitRPS = 0
	return NewServer(cfg, deps), cfg
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad json: %v", method, path, err)
		}
	}
	return rec, out
}

func TestPingAndHeaders(t *testing.T) {
	host, _ := startHost(t)
	s, _ := newTestServer(t, Deps{Host: host})

	rec, body := do(t, s.Handler(), http.MethodGet, "/api/public/ping", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("ping = %d %v", rec.Code, body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("admin headers missing")
	}

	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", rec.Code)
	}

	rec, body = do(t, s.Handler(), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK || body["running"] != true || body["connections"] != float64(0) {
		t.Fatalf("status = %d %v", rec.Code, body)
	}
}

func TestEntities(t *testing.T) {
	host, _ := startHost(t)
	m := host.Manager()
	e, id, err := m.CreateEntityByName("Crate")
	if err != nil {
		t.Fatal(err)
	}
	e.(*crate).SetGroup(3)
	if err := m.PublishEntity(id); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.CreateEntityByName("Crate"); err != nil {
		t.Fatal(err)
	}

	s, _ := newTestServer(t, Deps{Host: host})
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/entities?class=Crate", nil)
	if rec.Code != http.StatusOK || body["total"] != float64(2) {
		t.Fatalf("entities = %d %v", rec.Code, body)
	}
	first := body["entities"].([]interface{})[0].(map[string]interface{})
	if first["group"] != float64(3) || first["published"] != true {
		t.Fatalf("first entity = %v", first)
	}

	_, body = do(t, s.Handler(), http.MethodGet, "/api/entities?class=Other", nil)
	if body["total"] != float64(0) {
		t.Fatalf("filtered entities = %v", body)
	}
}

func TestConnectionManagement(t *testing.T) {
	host, reg := startHost(t)
	replica := replication.NewReplica(entity.NewClientManager(reg), replication.ReplicaOptions{
		Client: transport.ClientOptions{Connection: fastTransport()},
	})
	t.Cleanup(replica.Close)
	if err := replica.Connect(context.Background(), "127.0.0.1", host.Server().Addr().Port, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for host.Server().Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s, _ := newTestServer(t, Deps{Host: host})
	h := s.Handler()

	_, body := do(t, h, http.MethodGet, "/api/connections", nil)
	conns := body["connections"].([]interface{})
	if len(conns) != 1 {
		t.Fatalf("connections = %v", body)
	}
	id := int(conns[0].(map[string]interface{})["id"].(float64))
	base := "/api/connections/" + strconv.Itoa(id)

	rec, body := do(t, h, http.MethodPost, base+"/groups/5", nil)
	if rec.Code != http.StatusOK || len(body["groups"].([]interface{})) != 1 {
		t.Fatalf("join = %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodDelete, base+"/groups/5", nil)
	if rec.Code != http.StatusOK || len(body["groups"].([]interface{})) != 0 {
		t.Fatalf("leave = %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodPost, base+"/groups/300", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad group = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/connections/999", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown connection = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/connections/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodPost, base+"/disconnect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect = %d", rec.Code)
	}
	deadline = time.Now().Add(2 * time.Second)
	for host.Server().Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if host.Server().Count() != 0 {
		t.Fatalf("count after kick = %d", host.Server().Count())
	}
}

type fakeJournal struct{}

func (fakeJournal) Recent(ctx context.Context, limit int) ([]journal.Session, error) {
	return []journal.Session{{SessionID: "s", ConnID: 1}}, nil
}

func (fakeJournal) Summary(ctx context.Context) (journal.Summary, error) {
	return journal.Summary{Sessions: 1}, nil
}

func TestSessions(t *testing.T) {
	host, _ := startHost(t)

	s, _ := newTestServer(t, Deps{Host: host})
	if rec, _ := do(t, s.Handler(), http.MethodGet, "/api/sessions", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no journal = %d", rec.Code)
	}

	s, _ = newTestServer(t, Deps{Host: host, Journal: fakeJournal{}})
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/sessions?limit=5", nil)
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("sessions = %d %v", rec.Code, body)
	}
	_, body = do(t, s.Handler(), http.MethodGet, "/api/status", nil)
	if body["journal"] == nil {
		t.Fatalf("status without journal summary: %v", body)
	}
}

func TestHealth(t *testing.T) {
	host, _ := startHost(t)

	s, _ := newTestServer(t, Deps{Host: host})
	if rec, _ := do(t, s.Handler(), http.MethodGet, "/api/health", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("health without monitor = %d", rec.Code)
	}

	monitor := health.NewMonitor(host.Server(), t.TempDir(), nil, health.DefaultThresholds())
	s, _ = newTestServer(t, Deps{Host: host, Health: monitor})
	rec, body := do(t, s.Handler(), http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", rec.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	host, _ := startHost(t)
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "replicon_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s, _ := newTestServer(t, Deps{Host: host, Gatherer: reg})
	rec, _ := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "replicon_test_total 1") {
		t.Fatalf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestSetNetworkField(t *testing.T) {
	host, _ := startHost(t)
	s, cfg := newTestServer(t, Deps{Host: host})

	rec, _ := do(t, s.Handler(), http.MethodPost, "/api/config/network", map[string]interface{}{"field": "max_connections", "value": 8})
	if rec.Code != http.StatusOK || cfg.GetNetwork().MaxConnections != 8 {
		t.Fatalf("update = %d, max = %d", rec.Code, cfg.GetNetwork().MaxConnections)
	}

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/config/network", map[string]interface{}{"field": "resend_interval_ms", "value": 0})
	if rec.Code != http.StatusBadRequest || cfg.GetNetwork().ResendIntervalMs != 100 {
		t.Fatalf("invalid update = %d, resend = %d", rec.Code, cfg.GetNetwork().ResendIntervalMs)
	}

	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/config/network", map[string]interface{}{"field": "bogus", "value": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", rec.Code)
	}
}

func TestRouteLimiterScopes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRouteLimiter(0, 1)
	clock := time.Unix(1000, 0)
	limiter.now = func() time.Time { return clock }

	router := gin.New()
	router.GET("/conns", limiter.Middleware(ScopeRead), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.POST("/conns/:id/disconnect", limiter.Middleware(ScopeControl), func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	serve := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		last = serve(http.MethodPost, "/conns/1/disconnect")
		codes[i] = last.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("control codes = %v", codes)
	}
	if last.Header().Get("Retry-After") != "1" || !strings.Contains(last.Body.String(), `"scope":"control"`) {
		t.Fatalf("rejection = %v %s", last.Header(), last.Body)
	}

	for i := 0; i < 10; i++ {
		if rec := serve(http.MethodGet, "/conns"); rec.Code != http.StatusOK {
			t.Fatalf("read %d limited by control budget: %d", i, rec.Code)
		}
	}

	clock = clock.Add(time.Second)
	if rec := serve(http.MethodPost, "/conns/1/disconnect"); rec.Code != http.StatusOK {
		t.Fatalf("control after refill = %d", rec.Code)
	}
}

func TestRouteLimiterDropsIdleBuckets(t *testing.T) {
	limiter := NewRouteLimiter(5, 5)
	clock := time.Unix(1000, 0)
	limiter.now = func() time.Time { return clock }

	limiter.allow("10.0.0.1", ScopeRead)
	limiter.allow("10.0.0.2", ScopeControl)
	if limiter.Len() != 2 {
		t.Fatalf("buckets = %d", limiter.Len())
	}

	clock = clock.Add(2 * bucketIdle)
	limiter.allow("10.0.0.3", ScopeRead)
	if limiter.Len() != 1 {
		t.Fatalf("idle buckets kept: %d", limiter.Len())
	}
}

func TestControlRoutesUseControlLimit(t *testing.T) {
	host, _ := startHost(t)
	cfg := config.DefaultConfig()
	cfg.ApplicationData.API.RateLimitRPS = 0
	cfg.ApplicationData.API.ControlRateLimitRPS = 1
	s := NewServer(cfg, Deps{Host: host})

	var codes []int
	for i := 0; i < 3; i++ {
		rec, _ := do(t, s.Handler(), http.MethodPost, "/api/connections/77/groups/2", nil)
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests || codes[0] == http.StatusTooManyRequests {
		t.Fatalf("group join codes = %v", codes)
	}
	if rec, _ := do(t, s.Handler(), http.MethodGet, "/api/connections", nil); rec.Code != http.StatusOK {
		t.Fatalf("list after control limit = %d", rec.Code)
	}
}
