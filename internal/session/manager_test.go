package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

type stubService struct {
	id        model.SessionID
	torndown  int
	teardownE error
}

func (s *stubService) ID() model.SessionID { return s.id }
func (s *stubService) IsActive() bool      { return s.torndown == 0 }
func (s *stubService) AddRoute(r model.Route) (model.Route, error) {
	return r, nil
}
func (s *stubService) AddPattern(string, string) (model.Route, error) { return model.Route{}, nil }
func (s *stubService) Routes() []model.Route                          { return nil }
func (s *stubService) ProxyRequest(context.Context, string, traffic.Init) (*traffic.Response, error) {
	return nil, nil
}
func (s *stubService) GetRequestMetrics(context.Context) []model.Metric { return nil }
func (s *stubService) ClearMetrics(context.Context, model.RequestID)    {}
func (s *stubService) SendTestEvent() error                             { return nil }
func (s *stubService) Events() <-chan model.Event                       { return nil }
func (s *stubService) Teardown() error {
	s.torndown++
	return s.teardownE
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(nil)
	a := &stubService{id: "a"}
	b := &stubService{id: "b"}

	sa := New(a, "target-a")
	var order []string
	sa.OnClose(func() error { order = append(order, "first"); return nil })
	sa.OnClose(func() error { order = append(order, "second"); return nil })
	m.Add(sa)
	m.Add(New(b, "target-b"))

	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, model.TargetID("target-a"), got.Target)
	assert.Len(t, m.List(), 2)

	require.NoError(t, m.Delete("a"))
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, 1, a.torndown)
	assert.ErrorIs(t, m.Delete("a"), ErrNotFound)

	require.NoError(t, m.Close())
	assert.Equal(t, 1, b.torndown)
	assert.Empty(t, m.List())
}

func TestManagerReplacesSameID(t *testing.T) {
	m := NewManager(nil)
	old := &stubService{id: "x"}
	m.Add(New(old, "t1"))
	m.Add(New(&stubService{id: "x"}, "t2"))

	assert.Equal(t, 1, old.torndown)
	s, _ := m.Get("x")
	assert.Equal(t, model.TargetID("t2"), s.Target)
}

func TestSessionCloseJoinsErrors(t *testing.T) {
	svc := &stubService{id: "e", teardownE: errors.New("teardown failed")}
	s := New(svc, "")
	s.OnClose(func() error { return errors.New("detach failed") })

	err := s.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detach failed")
	assert.Contains(t, err.Error(), "teardown failed")
}
