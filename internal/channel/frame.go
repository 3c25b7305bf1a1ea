package channel

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"modulant/internal/logger"
	"modulant/internal/script"
	"modulant/pkg/traffic"
)

// baseHeaders 隔离上下文对每个请求附加的头部
var baseHeaders = traffic.Header{
	"x-requested-with": "XMLHttpRequest",
	"sec-fetch-mode":   "cors",
	"sec-fetch-site":   "same-origin",
}

// Channel 父上下文与隔离执行上下文之间的双向异步消息通道
type Channel interface {
	// Origin 返回隔离上下文的来源标识
	Origin() string
	// Post 向隔离上下文发送一条消息
	Post(data []byte) error
	// Inbox 来自隔离上下文的消息
	Inbox() <-chan Envelope
	// Done 通道关闭后关闭
	Done() <-chan struct{}
	Close() error
}

// FrameConfig 隔离上下文配置
type FrameConfig struct {
	InjectScript   string
	DefaultHeaders map[string]string
	Client         *resty.Client
	// FetchTimeout 为 0 时请求不设超时
	FetchTimeout time.Duration
	Logger       logger.Logger
}

// Frame 隔离执行上下文，拥有独立的 HTTP 客户端
type Frame struct {
	origin       string
	parentOrigin string
	client       *resty.Client
	headers      traffic.Header
	inject       string
	log          logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFrame 创建隔离上下文，只接受来自 parentOrigin 的消息
func NewFrame(origin, parentOrigin string, cfg FrameConfig) *Frame {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	client := cfg.Client
	if client == nil {
		client = traffic.NewClient(cfg.FetchTimeout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Frame{
		origin:       origin,
		parentOrigin: parentOrigin,
		client:       client,
		headers:      mergeHeaders(cfg.DefaultHeaders),
		inject:       cfg.InjectScript,
		log:          l.With("frame", origin),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func mergeHeaders(defaults map[string]string) traffic.Header {
	h := make(traffic.Header, len(defaults)+len(baseHeaders))
	for k, v := range defaults {
		h.Set(k, v)
	}
	for k, v := range baseHeaders {
		h.Set(k, v)
	}
	return h
}

// Origin 隔离上下文来源
func (f *Frame) Origin() string { return f.origin }

// Start 执行注入脚本后发送就绪信号，脚本失败只记录日志
func (f *Frame) Start(reply func([]byte) error) {
	if err := script.RunInjected(f.ctx, f.inject, f.log); err != nil {
		f.log.Err(err, "注入脚本执行失败")
	}
	if err := reply(EncodeSignal(SignalReady)); err != nil {
		f.log.Err(err, "发送就绪信号失败")
	}
}

// Handle 处理一条来自父上下文的消息
func (f *Frame) Handle(env Envelope, reply func([]byte) error) {
	if f.parentOrigin != "" && env.Origin != f.parentOrigin {
		f.log.Warn("拒绝未知来源的消息", "origin", env.Origin)
		return
	}
	kind, signal := Classify(env.Data)
	switch kind {
	case KindSignal:
		if signal == SignalTest {
			f.log.Debug("收到测试事件")
			if err := reply(EncodeSignal(SignalTestAck)); err != nil {
				f.log.Err(err, "发送测试事件应答失败")
			}
		}
	case KindProxy:
		msg, err := DecodeProxy(env.Data)
		if err != nil {
			f.log.Warn("代理消息格式错误", "error", err)
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.serve(msg, reply)
		}()
	default:
		f.log.Debug("忽略无法识别的消息")
	}
}

// serve 执行真实请求；使用上下文自身的生命周期而非调用方超时
func (f *Frame) serve(msg ProxyMessage, reply func([]byte) error) {
	start := time.Now()
	res := ResultMessage{ID: msg.ID}
	resp, err := traffic.Do(f.ctx, f.client, msg.URL, msg.Init, f.headers)
	if err != nil {
		res.Error = err.Error()
		f.log.Debug("代理请求失败", "id", msg.ID, "url", msg.URL, "error", err)
	} else {
		res.Body = string(resp.Body)
		res.Status = resp.Status
		res.Headers = resp.Headers
		f.log.Debug("代理请求完成", "id", msg.ID, "status", resp.Status, "duration", time.Since(start))
	}
	data, err := EncodeResult(res)
	if err != nil {
		f.log.Err(err, "编码结果失败", "id", msg.ID)
		return
	}
	if err := reply(data); err != nil {
		f.log.Err(err, "回传结果失败", "id", msg.ID)
	}
}

// Close 取消进行中的请求并等待其结束
func (f *Frame) Close() {
	f.cancel()
	f.wg.Wait()
}
