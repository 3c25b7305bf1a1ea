package session

import (
	"errors"
	"sync"
	"time"

	"modulant/pkg/api"
	"modulant/pkg/model"
)

// Session 一个浏览器目标对应的拦截实例
type Session struct {
	ID        model.SessionID
	Target    model.TargetID
	Service   api.Service
	CreatedAt time.Time

	mu      sync.Mutex
	closers []func() error
}

// New 创建会话
func New(svc api.Service, target model.TargetID) *Session {
	return &Session{
		ID:        svc.ID(),
		Target:    target,
		Service:   svc,
		CreatedAt: time.Now(),
	}
}

// OnClose 注册会话关闭时执行的清理函数，按注册的逆序执行
func (s *Session) OnClose(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Close 执行清理函数并卸载实例
func (s *Session) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Service.Teardown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
