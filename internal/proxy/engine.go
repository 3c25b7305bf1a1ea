package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"modulant/internal/channel"
	"modulant/internal/logger"
	"modulant/internal/metrics"
	"modulant/internal/params"
	"modulant/internal/rules"
	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

// DefaultTimeout 等待隔离上下文响应的默认超时
const DefaultTimeout = 30 * time.Second

// Options 代理引擎可选项
type Options struct {
	Session   model.SessionID
	Timeout   time.Duration
	Native    traffic.FetchFunc
	Collector *metrics.Collector
	Logger    logger.Logger
	// EventBuffer 事件通道容量，默认 256
	EventBuffer int
}

// Engine 代理引擎，经隔离上下文转发请求并按ID关联响应
type Engine struct {
	session model.SessionID
	rules   *rules.Engine
	params  *params.Processor
	ch      channel.Channel
	store   *metrics.Store
	native  traffic.FetchFunc
	timeout time.Duration
	metrics *metrics.Collector
	log     logger.Logger

	pending *pendingTable
	ids     *IDGenerator
	events  chan model.Event

	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
	done      chan struct{}
}

// New 创建代理引擎
func New(r *rules.Engine, p *params.Processor, ch channel.Channel, store *metrics.Store, opts Options) *Engine {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Native == nil {
		opts.Native = traffic.NewFetch(nil)
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector(nil)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Engine{
		session: opts.Session,
		rules:   r,
		params:  p,
		ch:      ch,
		store:   store,
		native:  opts.Native,
		timeout: opts.Timeout,
		metrics: opts.Collector,
		log:     l.With("component", "proxy"),
		pending: newPendingTable(),
		ids:     NewIDGenerator(),
		events:  make(chan model.Event, opts.EventBuffer),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start 启动消息接收循环，重复调用无效
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.receive(ctx)
	})
}

// Ready 隔离上下文发出就绪信号后关闭
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Done 接收循环退出后关闭
func (e *Engine) Done() <-chan struct{} { return e.done }

// Events 引擎事件
func (e *Engine) Events() <-chan model.Event { return e.events }

// Collector 返回 Prometheus 指标
func (e *Engine) Collector() *metrics.Collector { return e.metrics }

// Pending 等待响应的请求数
func (e *Engine) Pending() int { return e.pending.len() }

// SendTestEvent 向隔离上下文发送测试事件
func (e *Engine) SendTestEvent() error {
	return e.ch.Post(channel.EncodeSignal(channel.SignalTest))
}

// receive 消息接收循环，只接受来自隔离上下文来源的消息
func (e *Engine) receive(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ch.Done():
			return
		case env, ok := <-e.ch.Inbox():
			if !ok {
				return
			}
			e.dispatch(env)
		}
	}
}

func (e *Engine) dispatch(env channel.Envelope) {
	if env.Origin != e.ch.Origin() {
		e.log.Warn("丢弃未知来源的消息", "origin", env.Origin)
		return
	}
	kind, signal := channel.Classify(env.Data)
	switch kind {
	case channel.KindSignal:
		switch signal {
		case channel.SignalReady:
			e.readyOnce.Do(func() {
				close(e.ready)
				e.log.Info("隔离上下文已就绪", "origin", env.Origin)
				e.sendEvent(model.Event{Type: model.EventReady})
			})
		case channel.SignalTestAck:
			e.log.Info("测试事件已确认")
			e.sendEvent(model.Event{Type: model.EventTest})
		}
	case channel.KindResult:
		res, err := channel.DecodeResult(env.Data)
		if err != nil {
			// 能读出ID时立即结束对应请求，避免等到超时
			id, ok := channel.ResultID(env.Data)
			e.log.Warn("结果消息格式错误", "id", id, "error", err)
			if ok {
				e.pending.fail(id, err)
			}
			return
		}
		if !e.pending.resolve(res) {
			e.log.Debug("收到未知ID的结果，已忽略", "id", res.ID)
		}
	default:
		e.log.Debug("忽略无法识别的消息")
	}
}

// ProxyRequest 发起一次代理请求
//
// 无匹配路由或路由不含转发配置时直接使用原生请求。
func (e *Engine) ProxyRequest(ctx context.Context, rawURL string, init traffic.Init) (*traffic.Response, error) {
	route, ok := e.rules.FindMatchingRoute(rawURL)
	if !ok {
		return e.nativeFetch(ctx, rawURL, init)
	}
	return e.ProxyRoute(ctx, rawURL, route, "", init)
}

// ProxyRoute 按已确定的路由发起代理请求，target 为空时由参数处理器计算
func (e *Engine) ProxyRoute(ctx context.Context, rawURL string, route model.Route, target string, init traffic.Init) (*traffic.Response, error) {
	if route.Kind() != model.RouteProxy {
		return e.nativeFetch(ctx, rawURL, init)
	}
	if target == "" {
		target = e.params.ProcessURL(rawURL, route)
	}
	if route.Proxy.ChangeOrigin {
		init = withTargetOrigin(init, target)
	}

	id := e.ids.Next()
	start := time.Now()
	// 指标写入不受调用方取消影响
	sctx := context.WithoutCancel(ctx)
	e.store.StartTimer(sctx, id)
	log := e.log.With("id", id, "url", rawURL, "target", target)
	log.Debug("开始代理请求", "method", init.MethodOrDefault())

	resp, outcome, err := e.roundTrip(ctx, id, target, init, route)
	e.metrics.Observe(outcome, time.Since(start))
	if err != nil {
		// 失败时只记录耗时，状态保持 in-progress
		e.store.EndTimer(sctx, id, model.StatusInProgress)
		log.Warn("代理请求失败", "outcome", outcome, "error", err)
		e.sendEvent(model.Event{Type: model.EventFailed, RequestID: id, URL: rawURL, TargetURL: target, Method: init.MethodOrDefault(), Error: err.Error()})
		return nil, err
	}
	e.store.EndTimer(sctx, id, model.StatusCompleted)
	log.Debug("代理请求完成", "status", resp.Status, "duration", time.Since(start))
	e.sendEvent(model.Event{Type: model.EventProxied, RequestID: id, URL: rawURL, TargetURL: target, Method: init.MethodOrDefault(), Status: resp.Status})
	return resp, nil
}

func (e *Engine) roundTrip(ctx context.Context, id model.RequestID, target string, init traffic.Init, route model.Route) (*traffic.Response, string, error) {
	errCtx := map[string]any{"id": id, "url": target}

	msg, err := channel.EncodeProxy(id, target, init)
	if err != nil {
		return nil, metrics.OutcomeChannel, model.WrapError(model.CodeProxyError, "encode proxy message", err, errCtx)
	}
	wait := e.pending.register(id)
	defer e.pending.remove(id)
	e.metrics.InFlight.Inc()
	defer e.metrics.InFlight.Dec()

	if err := e.ch.Post(msg); err != nil {
		return nil, metrics.OutcomeChannel, model.WrapError(model.CodeProxyError, "post proxy message", err, errCtx)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	var res channel.ResultMessage
	select {
	case d := <-wait:
		if d.err != nil {
			return nil, metrics.OutcomeChannel, model.WrapError(model.CodeProxyError, "malformed result message", d.err, errCtx)
		}
		res = d.res
	case <-timer.C:
		return nil, metrics.OutcomeTimeout, model.WrapError(model.CodeProxyError, "request timeout", model.ErrRequestTimeout, errCtx)
	case <-ctx.Done():
		return nil, metrics.OutcomeCanceled, model.WrapError(model.CodeProxyError, "request canceled", fmt.Errorf("%w: %w", model.ErrRequestCanceled, ctx.Err()), errCtx)
	case <-e.ch.Done():
		return nil, metrics.OutcomeChannel, model.WrapError(model.CodeProxyError, "channel closed", channel.ErrClosed, errCtx)
	}

	if res.Error != "" {
		return nil, metrics.OutcomeUpstream, model.NewError(model.CodeProxyError, res.Error, errCtx)
	}
	if res.Status >= http.StatusBadRequest {
		errCtx["status"] = res.Status
		return nil, metrics.OutcomeStatus, model.NewError(model.CodeProxyError, fmt.Sprintf("HTTP error! status: %d", res.Status), errCtx)
	}

	resp := &traffic.Response{
		URL:     target,
		Status:  res.Status,
		Headers: res.Headers,
		Body:    []byte(res.Body),
	}
	if resp.Headers == nil {
		resp.Headers = make(traffic.Header)
	}
	if route.Proxy.ModifyResponse != nil {
		modified, err := modify(route.Proxy.ModifyResponse, resp)
		if err != nil {
			return nil, metrics.OutcomeModify, model.WrapError(model.CodeProxyError, "modify response failed", err, errCtx)
		}
		resp = modified
	}
	return resp, metrics.OutcomeCompleted, nil
}

func modify(fn model.ResponseModifier, resp *traffic.Response) (out *traffic.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("response modifier panic: %v", r)
		}
	}()
	out, err = fn(resp)
	if err == nil && out == nil {
		out = resp
	}
	return out, err
}

// withTargetOrigin 将 origin 请求头改写为转发目标的来源
func withTargetOrigin(init traffic.Init, target string) traffic.Init {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return init
	}
	headers := init.Headers.Clone()
	headers.Set("origin", u.Scheme+"://"+u.Host)
	init.Headers = headers
	return init
}

func (e *Engine) nativeFetch(ctx context.Context, rawURL string, init traffic.Init) (*traffic.Response, error) {
	resp, err := e.native(ctx, rawURL, init)
	if err != nil {
		return nil, model.WrapError(model.CodeProxyError, "native fetch failed", err, map[string]any{"url": rawURL})
	}
	e.sendEvent(model.Event{Type: model.EventPassed, URL: rawURL, Method: init.MethodOrDefault(), Status: resp.Status})
	return resp, nil
}

// sendEvent 非阻塞发送事件，通道满时丢弃
func (e *Engine) sendEvent(ev model.Event) {
	ev.Session = e.session
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	select {
	case e.events <- ev:
	default:
	}
}
