package metrics

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"modulant/internal/logger"
	"modulant/internal/storage"
	"modulant/pkg/model"
)

// StorageKey 指标在后端中的存储键
const StorageKey = "modulant_metrics"

// Store 请求指标存储
//
// 每次变更后整体写回后端；后端不可用时退化为纯内存存储。
type Store struct {
	mu       sync.Mutex
	kv       storage.KV
	degraded bool
	metrics  map[model.RequestID]model.Metric
	log      logger.Logger
	now      func() time.Time
}

// New 创建指标存储并加载已持久化的指标，kv 为 nil 时只使用内存
func New(ctx context.Context, kv storage.KV, l logger.Logger) *Store {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Store{
		kv:      kv,
		metrics: make(map[model.RequestID]model.Metric),
		log:     l.With("component", "metrics"),
		now:     time.Now,
	}
	s.mu.Lock()
	s.load(ctx)
	s.mu.Unlock()
	return s
}

// StartTimer 记录请求开始
func (s *Store) StartTimer(ctx context.Context, id model.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[id] = model.Metric{ID: id, StartTime: s.now(), Status: model.StatusInProgress}
	s.save(ctx)
}

// EndTimer 记录请求耗时并设置状态，未知ID忽略
func (s *Store) EndTimer(ctx context.Context, id model.RequestID, status model.MetricStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	if !ok {
		return
	}
	m.Duration = s.now().Sub(m.StartTime)
	m.Status = status
	s.metrics[id] = m
	s.save(ctx)
}

// Clear 删除单个指标
func (s *Store) Clear(ctx context.Context, id model.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metrics, id)
	s.save(ctx)
}

// ClearAll 删除全部指标
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = make(map[model.RequestID]model.Metric)
	s.save(ctx)
}

// List 从后端重新加载后返回全部指标，按ID排序
//
// 进行中且未记录耗时的指标返回当前已耗时。
func (s *Store) List(ctx context.Context) []model.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load(ctx)
	now := s.now()
	out := make([]model.Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		if m.Status == model.StatusInProgress && m.Duration == 0 {
			m.Duration = now.Sub(m.StartTime)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get 返回单个指标
func (s *Store) Get(id model.RequestID) (model.Metric, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	return m, ok
}

// Degraded 是否已退化为内存存储
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv == nil || s.degraded
}

func (s *Store) backend() storage.KV {
	if s.kv == nil || s.degraded {
		return nil
	}
	return s.kv
}

func (s *Store) fallback(err error, op string) {
	s.degraded = true
	s.log.Warn("指标存储不可用，改用内存存储", "op", op, "error", err)
}

func (s *Store) load(ctx context.Context) {
	kv := s.backend()
	if kv == nil {
		return
	}
	data, ok, err := kv.Get(ctx, StorageKey)
	if err != nil {
		s.fallback(err, "load")
		return
	}
	if !ok {
		return
	}
	var list []model.Metric
	if err := json.Unmarshal(data, &list); err != nil {
		s.log.Warn("指标数据损坏，已忽略", "error", err)
		return
	}
	s.metrics = make(map[model.RequestID]model.Metric, len(list))
	for _, m := range list {
		s.metrics[m.ID] = m
	}
}

func (s *Store) save(ctx context.Context) {
	kv := s.backend()
	if kv == nil {
		return
	}
	list := make([]model.Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	data, err := json.Marshal(list)
	if err != nil {
		s.log.Err(err, "序列化指标失败")
		return
	}
	if err := kv.Set(ctx, StorageKey, data); err != nil {
		s.fallback(err, "save")
	}
}
