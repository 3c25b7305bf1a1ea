package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	adapter "modulant/internal/adapter/cdp"
	"modulant/internal/intercept"
	"modulant/pkg/model"
)

const processReplyTimeout = time.Second

// handle 处理一次暂停的请求：放行、改写导航或经隔离上下文代理
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ts.ctx, time.Duration(m.processTimeoutMS)*time.Millisecond)
	defer cancel()
	start := time.Now()

	rawURL, init := adapter.ToInit(ev)
	if ts.icpt == nil {
		m.continueRequest(ts, ev, nil)
		return
	}
	res := ts.icpt.Resolve(rawURL)
	m.log.Debug("开始处理拦截事件", "target", string(ts.id), "url", rawURL, "method", init.MethodOrDefault(), "decision", res.Decision.String())

	switch res.Decision {
	case intercept.Proxy:
		resp, err := ts.icpt.ProxyRoute(ctx, rawURL, res.Route, res.TargetURL, init)
		if err != nil {
			m.failRequest(ts, ev)
			m.sendEvent(model.Event{
				Type:      model.EventFailed,
				Session:   ts.session,
				Target:    ts.id,
				URL:       rawURL,
				TargetURL: res.TargetURL,
				Method:    init.MethodOrDefault(),
				Error:     err.Error(),
			})
			m.log.Warn("代理请求失败", "target", string(ts.id), "url", rawURL, "error", err, "duration", time.Since(start))
			return
		}
		rctx, rcancel := context.WithTimeout(ts.ctx, processReplyTimeout)
		defer rcancel()
		if err := ts.fetch.FulfillRequest(rctx, adapter.ToFulfillArgs(ev.RequestID, resp)); err != nil {
			m.log.Err(err, "回填响应失败", "target", string(ts.id), "requestID", string(ev.RequestID))
			return
		}
		m.sendEvent(model.Event{
			Type:      model.EventProxied,
			Session:   ts.session,
			Target:    ts.id,
			URL:       rawURL,
			TargetURL: res.TargetURL,
			Method:    init.MethodOrDefault(),
			Status:    resp.Status,
		})
		m.log.Debug("代理请求完成", "target", string(ts.id), "status", resp.Status, "duration", time.Since(start))

	case intercept.Navigate:
		if ev.ResourceType != network.ResourceTypeDocument || res.TargetURL == rawURL {
			m.continueRequest(ts, ev, nil)
			return
		}
		target := res.TargetURL
		m.continueRequest(ts, ev, &target)
		m.sendEvent(model.Event{
			Type:      model.EventNavigated,
			Session:   ts.session,
			Target:    ts.id,
			URL:       rawURL,
			TargetURL: target,
			Method:    init.MethodOrDefault(),
		})

	default:
		m.continueRequest(ts, ev, nil)
	}
}

func (m *Manager) continueRequest(ts *targetSession, ev *fetch.RequestPausedReply, u *string) {
	ctx, cancel := context.WithTimeout(ts.ctx, processReplyTimeout)
	defer cancel()
	if err := ts.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID, URL: u}); err != nil {
		m.log.Err(err, "放行请求失败", "target", string(ts.id), "requestID", string(ev.RequestID))
	}
}

func (m *Manager) failRequest(ts *targetSession, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ts.ctx, processReplyTimeout)
	defer cancel()
	err := ts.fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: network.ErrorReasonFailed})
	if err != nil {
		m.log.Err(err, "终止请求失败", "target", string(ts.id), "requestID", string(ev.RequestID))
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		m.degradeAndContinue(ts, ev, "并发队列已满")
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession) {
	rp, err := ts.client.Fetch.RequestPaused(ts.ctx)
	if err != nil {
		m.log.Err(err, "订阅拦截事件流失败", "target", string(ts.id))
		m.handleTargetStreamClosed(ts, err)
		return
	}
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			if ts.ctx.Err() == nil {
				m.log.Err(err, "接收拦截事件失败", "target", string(ts.id))
			}
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// handleTargetStreamClosed 处理单个目标的拦截流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if !m.isEnabled() || ts.ctx.Err() != nil {
		return
	}
	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err)

	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	if ok && cur == ts {
		m.closeTargetSession(cur)
	}
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", string(ev.RequestID))
	m.continueRequest(ts, ev, nil)
	m.sendEvent(model.Event{
		Type:    model.EventDegraded,
		Session: ts.session,
		Target:  ts.id,
		URL:     ev.Request.URL,
		Method:  ev.Request.Method,
		Error:   reason,
	})
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (m *Manager) sendEvent(evt model.Event) {
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case m.events <- evt:
	default:
	}
}
