package proxy

import (
	"sync"
	"time"

	"modulant/pkg/model"
)

// IDGenerator 生成严格递增的请求ID：毫秒时间戳 * 1000 + 计数器低三位
type IDGenerator struct {
	mu      sync.Mutex
	counter int64
	last    int64
	now     func() time.Time
}

// NewIDGenerator 创建ID生成器
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next 返回下一个ID
func (g *IDGenerator) Next() model.RequestID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli()*1000 + g.counter%1000
	g.counter++
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return model.RequestID(id)
}
