package proxy

import (
	"sync"

	"modulant/internal/channel"
	"modulant/pkg/model"
)

// delivery 投递给等待方的结果，err 非空表示结果消息不可用
type delivery struct {
	res channel.ResultMessage
	err error
}

// pendingTable 等待结果的请求，按ID关联
type pendingTable struct {
	mu      sync.Mutex
	entries map[model.RequestID]chan delivery
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[model.RequestID]chan delivery)}
}

func (p *pendingTable) register(id model.RequestID) <-chan delivery {
	ch := make(chan delivery, 1)
	p.mu.Lock()
	p.entries[id] = ch
	p.mu.Unlock()
	return ch
}

// resolve 投递结果并移除条目，未知ID返回 false
func (p *pendingTable) resolve(res channel.ResultMessage) bool {
	return p.deliver(res.ID, delivery{res: res})
}

// fail 以错误结束等待中的请求
func (p *pendingTable) fail(id model.RequestID, err error) bool {
	return p.deliver(id, delivery{res: channel.ResultMessage{ID: id}, err: err})
}

func (p *pendingTable) deliver(id model.RequestID, d delivery) bool {
	p.mu.Lock()
	ch, ok := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()
	if ok {
		ch <- d
	}
	return ok
}

func (p *pendingTable) remove(id model.RequestID) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
