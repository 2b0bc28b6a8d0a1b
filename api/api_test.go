package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/scrutin-node/bus"
	"github.com/vocdoni/scrutin-node/credstore"
	"github.com/vocdoni/scrutin-node/db/metadb"
	"github.com/vocdoni/scrutin-node/store/kvstore"
)

type testAPI struct {
	api   *API
	bus   *bus.Bus
	creds *credstore.MemoryStore
	store *kvstore.Store
}

func newTestAPI(t *testing.T, busMaxLength int64) *testAPI {
	t.Helper()
	b, err := bus.New(metadb.NewTest(t), bus.Options{
		Queues:    bus.PipelineQueues(),
		MaxLength: busMaxLength,
	})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(b.Close)

	creds := credstore.NewMemory()
	st := kvstore.New(metadb.NewTest(t))
	a, err := New(&APIConfig{
		Host:        "127.0.0.1",
		Port:        0,
		Bus:         b,
		Credentials: creds,
		Results:     st,
		// Keep the window cache effectively disabled so tests can change
		// election definitions between requests.
		WindowCacheTTL: time.Nanosecond,
	})
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return &testAPI{api: a, bus: b, creds: creds, store: st}
}

// request runs one request through the router. A string body is sent
// verbatim, anything else is marshaled as JSON.
func (ta *testAPI) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		qt.Assert(t, err, qt.IsNil)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ta.api.Router().ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Field string `json:"field"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	qt.Assert(t, json.Unmarshal(rec.Body.Bytes(), &v), qt.IsNil, qt.Commentf("body: %s", rec.Body.String()))
	return v
}

func TestPing(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	rec := ta.request(t, http.MethodGet, PingEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
}

func TestInfo(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	rec := ta.request(t, http.MethodGet, InfoEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	info := decodeBody[InfoResponse](t, rec)
	c.Assert(info.Service, qt.Equals, "scrutin-node")
	c.Assert(info.Version, qt.Not(qt.Equals), "")
	c.Assert(len(info.Endpoints) > 0, qt.IsTrue)
}

func TestHealth(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	rec := ta.request(t, http.MethodGet, HealthEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	health := decodeBody[HealthResponse](t, rec)
	c.Assert(health.Status, qt.Equals, HealthStatusHealthy)
	c.Assert(health.Services, qt.HasLen, 3)
	for name, status := range health.Services {
		c.Assert(status, qt.Equals, serviceStatusConnected, qt.Commentf("service %s", name))
	}
	c.Assert(health.Timestamp.IsZero(), qt.IsFalse)
}

func TestMetricsEndpoint(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(t, 0)
	rec := ta.request(t, http.MethodGet, MetricsEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(strings.Contains(rec.Body.String(), "scrutin_"), qt.IsTrue)
}
