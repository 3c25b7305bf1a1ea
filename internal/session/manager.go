package session

import (
	"errors"
	"sort"
	"sync"

	"modulant/internal/logger"
	"modulant/pkg/model"
)

// ErrNotFound 会话不存在
var ErrNotFound = errors.New("session not found")

// Manager 全局会话管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.SessionID]*Session),
		log:      l,
	}
}

// Add 注册会话，同ID的旧会话会被关闭
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	old := m.sessions[s.ID]
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if old != nil && old != s {
		if err := old.Close(); err != nil {
			m.log.Err(err, "关闭旧会话失败", "sessionID", string(s.ID))
		}
	}
	m.log.Info("注册会话", "sessionID", string(s.ID), "target", string(s.Target))
}

// Get 获取会话
func (m *Manager) Get(id model.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 关闭并移除会话
func (m *Manager) Delete(id model.SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.log.Info("销毁会话", "sessionID", string(id))
	return s.Close()
}

// List 按创建时间返回所有会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Close 关闭全部会话
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[model.SessionID]*Session)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			m.log.Err(err, "关闭会话失败", "sessionID", string(id))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
