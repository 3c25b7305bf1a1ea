package intercept

import (
	"context"
	"errors"

	"modulant/pkg/traffic"
)

// XHR 就绪状态
const (
	StateUnsent = 0
	StateOpened = 1
	StateDone   = 4
)

var errNotOpened = errors.New("xhr: send before open")

// XHR XMLHttpRequest 的同步化抽象
type XHR interface {
	Open(method, rawURL string) error
	SetRequestHeader(key, value string)
	Send(ctx context.Context, body string) error
	Status() int
	ResponseText() string
	ResponseHeader(key string) string
	ReadyState() int
}

// FetchXHR 基于 FetchFunc 实现的 XHR
type FetchXHR struct {
	fetch   traffic.FetchFunc
	method  string
	url     string
	headers traffic.Header
	state   int
	resp    *traffic.Response
}

// NewFetchXHR 创建 XHR
func NewFetchXHR(fetch traffic.FetchFunc) *FetchXHR {
	return &FetchXHR{fetch: fetch, headers: make(traffic.Header)}
}

func (x *FetchXHR) Open(method, rawURL string) error {
	x.method, x.url, x.state = method, rawURL, StateOpened
	x.resp = nil
	return nil
}

func (x *FetchXHR) SetRequestHeader(key, value string) { x.headers.Set(key, value) }

func (x *FetchXHR) Send(ctx context.Context, body string) error {
	if x.state != StateOpened {
		return errNotOpened
	}
	resp, err := x.fetch(ctx, x.url, traffic.Init{Method: x.method, Headers: x.headers.Clone(), Body: body})
	x.state = StateDone
	if err != nil {
		return err
	}
	x.resp = resp
	return nil
}

func (x *FetchXHR) Status() int {
	if x.resp == nil {
		return 0
	}
	return x.resp.Status
}

func (x *FetchXHR) ResponseText() string {
	if x.resp == nil {
		return ""
	}
	return x.resp.Text()
}

func (x *FetchXHR) ResponseHeader(key string) string {
	if x.resp == nil {
		return ""
	}
	return x.resp.Headers.Get(key)
}

func (x *FetchXHR) ReadyState() int { return x.state }

// proxiedXHR 拦截层包装的 XHR，匹配路由时经代理引擎发送
type proxiedXHR struct {
	layer  *Layer
	native XHR
	method string
	url    string
	// headers 仅在代理路径使用，原生路径直接转交 native
	headers  traffic.Header
	state    int
	viaProxy bool
	resp     *traffic.Response
}

func (x *proxiedXHR) Open(method, rawURL string) error {
	x.method, x.url, x.state = method, rawURL, StateOpened
	x.resp, x.viaProxy = nil, false
	x.headers = make(traffic.Header)
	return x.native.Open(method, rawURL)
}

func (x *proxiedXHR) SetRequestHeader(key, value string) {
	if x.headers == nil {
		x.headers = make(traffic.Header)
	}
	x.headers.Set(key, value)
	x.native.SetRequestHeader(key, value)
}

func (x *proxiedXHR) Send(ctx context.Context, body string) error {
	if x.state != StateOpened {
		return errNotOpened
	}
	res := x.layer.router.Resolve(x.url)
	if res.Decision == Pass {
		return x.native.Send(ctx, body)
	}
	x.viaProxy = true
	resp, err := x.layer.proxy.ProxyRoute(ctx, x.url, res.Route, res.TargetURL, traffic.Init{Method: x.method, Headers: x.headers.Clone(), Body: body})
	x.state = StateDone
	if err != nil {
		x.layer.log.Warn("XHR 代理失败", "url", x.url, "error", err)
		return err
	}
	x.resp = resp
	return nil
}

func (x *proxiedXHR) Status() int {
	if !x.viaProxy {
		return x.native.Status()
	}
	if x.resp == nil {
		return 0
	}
	return x.resp.Status
}

func (x *proxiedXHR) ResponseText() string {
	if !x.viaProxy {
		return x.native.ResponseText()
	}
	if x.resp == nil {
		return ""
	}
	return x.resp.Text()
}

func (x *proxiedXHR) ResponseHeader(key string) string {
	if !x.viaProxy {
		return x.native.ResponseHeader(key)
	}
	if x.resp == nil {
		return ""
	}
	return x.resp.Headers.Get(key)
}

func (x *proxiedXHR) ReadyState() int {
	if !x.viaProxy {
		return x.native.ReadyState()
	}
	return x.state
}
