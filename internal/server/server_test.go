package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modulant/internal/session"
	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

type stubService struct {
	id       model.SessionID
	routes   []model.Route
	metrics  []model.Metric
	cleared  []model.RequestID
	tests    int
	teardown int
}

func (s *stubService) ID() model.SessionID { return s.id }
func (s *stubService) IsActive() bool      { return s.teardown == 0 }
func (s *stubService) AddRoute(r model.Route) (model.Route, error) {
	if err := r.Validate(); err != nil {
		return model.Route{}, err
	}
	s.routes = append(s.routes, r)
	return r, nil
}
func (s *stubService) AddPattern(pattern, target string) (model.Route, error) {
	return s.AddRoute(model.Route{Match: model.Match{Hostname: "example.com", Path: pattern}, Proxy: &model.Proxy{Target: target}})
}
func (s *stubService) Routes() []model.Route { return s.routes }
func (s *stubService) ProxyRequest(context.Context, string, traffic.Init) (*traffic.Response, error) {
	return nil, nil
}
func (s *stubService) GetRequestMetrics(context.Context) []model.Metric { return s.metrics }
func (s *stubService) ClearMetrics(_ context.Context, id model.RequestID) {
	s.cleared = append(s.cleared, id)
}
func (s *stubService) SendTestEvent() error       { s.tests++; return nil }
func (s *stubService) Events() <-chan model.Event { return nil }
func (s *stubService) Teardown() error            { s.teardown++; return nil }

func newTestServer(t *testing.T) (*Server, *stubService) {
	t.Helper()
	svc := &stubService{
		id:      "s1",
		metrics: []model.Metric{{ID: 7, Status: model.StatusCompleted}},
	}
	m := session.NewManager(nil)
	m.Add(session.New(svc, "target-1"))

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "modulant_test_total"})
	reg.MustRegister(c)
	c.Inc()
	return New(m, reg, nil), svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionsAndStatus(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, model.SessionID("s1"), list[0].ID)
	assert.True(t, list[0].Active)

	rec = do(t, s, http.MethodGet, "/sessions/s1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"target":"target-1"`)

	rec = do(t, s, http.MethodGet, "/sessions/nope/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	s, svc := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/sessions/s1/metrics/requests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":7,"startTime":"0001-01-01T00:00:00Z","status":"completed"}]`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/sessions/s1/metrics/requests/7", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/sessions/s1/metrics/requests", "").Code)
	assert.Equal(t, []model.RequestID{7, 0}, svc.cleared)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodDelete, "/sessions/s1/metrics/requests/abc", "").Code)

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modulant_test_total 1")
}

func TestRoutesEndpoints(t *testing.T) {
	s, svc := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/sessions/s1/routes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/sessions/s1/routes",
		`{"match":{"hostname":"example.com","path":"/api/*"},"proxy":{"target":"http://localhost:3000"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/sessions/s1/routes", `{"pattern":"/v2/*","target":"http://localhost:4000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.routes, 2)
	assert.Equal(t, "/v2/*", svc.routes[1].Match.Path)

	rec = do(t, s, http.MethodPost, "/sessions/s1/routes", `{"match":{"path":"/x"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"INVALID_ROUTE"`)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/sessions/s1/routes", `{`).Code)
}

func TestTestEventAndDelete(t *testing.T) {
	s, svc := newTestServer(t)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/sessions/s1/test-event", "").Code)
	assert.Equal(t, 1, svc.tests)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/sessions/s1", "").Code)
	assert.Equal(t, 1, svc.teardown)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/sessions/s1", "").Code)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
}
