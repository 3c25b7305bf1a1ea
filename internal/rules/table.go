package rules

import (
	"errors"
	"sync"

	"modulant/pkg/model"
)

var (
	errNoHost = errors.New("missing host")
	errNoBase = errors.New("relative url without page origin")
)

// Table 有序路由表，只追加不删除
type Table struct {
	mu     sync.RWMutex
	routes []model.Route
}

// NewTable 用初始路由创建路由表
func NewTable(routes []model.Route) *Table {
	t := &Table{routes: make([]model.Route, 0, len(routes))}
	t.routes = append(t.routes, routes...)
	return t
}

// Add 校验并追加路由，校验失败时路由表保持不变
func (t *Table) Add(r model.Route) (model.Route, error) {
	if err := r.Validate(); err != nil {
		return model.Route{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
	return r, nil
}

// Snapshot 返回当前路由的只读快照
func (t *Table) Snapshot() []model.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes[:len(t.routes):len(t.routes)]
}

// Len 路由数量
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
