package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modulant/internal/storage"
	"modulant/pkg/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func withClock(s *Store) *clock {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = c.now
	return c
}

type failingKV struct{ calls int }

func (f *failingKV) Get(context.Context, string) ([]byte, bool, error) {
	f.calls++
	return nil, false, errors.New("unavailable")
}

func (f *failingKV) Set(context.Context, string, []byte) error {
	f.calls++
	return errors.New("unavailable")
}

func TestTimerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil, nil)
	c := withClock(s)

	s.StartTimer(ctx, 1)
	s.StartTimer(ctx, 2)
	c.advance(150 * time.Millisecond)
	s.EndTimer(ctx, 1, model.StatusCompleted)
	s.EndTimer(ctx, 99, model.StatusCompleted)

	list := s.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, model.StatusCompleted, list[0].Status)
	assert.Equal(t, 150*time.Millisecond, list[0].Duration)
	assert.Equal(t, model.StatusInProgress, list[1].Status)
	assert.Equal(t, 150*time.Millisecond, list[1].Duration)

	c.advance(time.Second)
	m, ok := s.Get(2)
	require.True(t, ok)
	assert.Zero(t, m.Duration)
	assert.Equal(t, 1150*time.Millisecond, s.List(ctx)[1].Duration)

	s.Clear(ctx, 1)
	require.Len(t, s.List(ctx), 1)
	s.ClearAll(ctx)
	assert.Empty(t, s.List(ctx))
	assert.True(t, s.Degraded())
}

func TestFailedRequestKeepsInProgress(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, nil, nil)
	c := withClock(s)

	s.StartTimer(ctx, 7)
	c.advance(40 * time.Millisecond)
	s.EndTimer(ctx, 7, model.StatusInProgress)
	c.advance(time.Hour)

	m := s.List(ctx)[0]
	assert.Equal(t, model.StatusInProgress, m.Status)
	assert.Equal(t, 40*time.Millisecond, m.Duration)
}

func TestPersistsAcrossReloadSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "m.sqlite3"), "modulant_", nil)
	require.NoError(t, err)
	kv := storage.NewSQLiteKV(db)
	defer kv.Close()

	s := New(ctx, kv, nil)
	s.StartTimer(ctx, 10)
	s.EndTimer(ctx, 10, model.StatusCompleted)
	s.StartTimer(ctx, 11)
	assert.False(t, s.Degraded())

	reloaded := New(ctx, kv, nil)
	list := reloaded.List(ctx)
	require.Len(t, list, 2)
	assert.EqualValues(t, 10, list[0].ID)
	assert.Equal(t, model.StatusCompleted, list[0].Status)
	assert.Equal(t, model.StatusInProgress, list[1].Status)
}

func TestListReloadsFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()
	kv, err := storage.NewRedisKV(ctx, storage.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer kv.Close()

	a := New(ctx, kv, nil)
	b := New(ctx, kv, nil)
	a.StartTimer(ctx, 5)

	// b 未直接写入，但 List 会从后端重新加载
	list := b.List(ctx)
	require.Len(t, list, 1)
	assert.EqualValues(t, 5, list[0].ID)

	raw, err := mr.Get(StorageKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"status":"in-progress"`)
}

func TestFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{}
	s := New(ctx, kv, nil)
	assert.True(t, s.Degraded())

	s.StartTimer(ctx, 1)
	s.EndTimer(ctx, 1, model.StatusCompleted)
	list := s.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusCompleted, list[0].Status)
	assert.Equal(t, 1, kv.calls)
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.Observe(OutcomeCompleted, 20*time.Millisecond)
	c.Observe(OutcomeTimeout, 0)

	again := NewCollector(reg)
	again.Observe(OutcomeCompleted, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Requests.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Requests.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.Duration))

	unregistered := NewCollector(nil)
	unregistered.Observe(OutcomeCompleted, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(unregistered.Requests.WithLabelValues(OutcomeCompleted)))
}
