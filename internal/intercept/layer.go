package intercept

import (
	"context"
	"errors"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"modulant/internal/logger"
	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

var (
	ErrInstalled    = errors.New("interception layer already installed")
	ErrNotInstalled = errors.New("interception layer not installed")
)

// Proxier 代理请求能力，按路由器已确定的路由和目标地址转发
type Proxier interface {
	ProxyRoute(ctx context.Context, rawURL string, route model.Route, target string, init traffic.Init) (*traffic.Response, error)
}

// Layer 拦截层，安装时保存页面原生能力并替换为包装函数
type Layer struct {
	router *Router
	proxy  Proxier
	log    logger.Logger

	page    *Page
	orig    Primitives
	clickID int
}

// NewLayer 创建拦截层
func NewLayer(router *Router, proxy Proxier, l logger.Logger) *Layer {
	if l == nil {
		l = logger.NewNop()
	}
	return &Layer{router: router, proxy: proxy, log: l.With("component", "intercept")}
}

// Install 替换页面能力并注册捕获阶段点击监听
func (l *Layer) Install(page *Page) error {
	if l.page != nil {
		return ErrInstalled
	}
	l.page = page
	l.orig = page.Primitives()
	page.SetPrimitives(Primitives{
		Fetch:        l.fetch,
		NewXHR:       l.newXHR,
		Open:         l.open,
		PushState:    l.historyWrapper(l.orig.PushState),
		ReplaceState: l.historyWrapper(l.orig.ReplaceState),
	})
	l.clickID = page.AddClickListener(l.onClick)
	l.log.Info("拦截层已安装", "page", page.Location())
	return nil
}

// Teardown 恢复页面原生能力
func (l *Layer) Teardown() error {
	if l.page == nil {
		return ErrNotInstalled
	}
	l.page.SetPrimitives(l.orig)
	l.page.RemoveClickListener(l.clickID)
	l.page = nil
	l.log.Info("拦截层已卸载")
	return nil
}

// Installed 是否已安装
func (l *Layer) Installed() bool { return l.page != nil }

func (l *Layer) fetch(ctx context.Context, rawURL string, init traffic.Init) (*traffic.Response, error) {
	if res := l.router.Resolve(rawURL); res.Decision == Proxy {
		return l.proxy.ProxyRoute(ctx, rawURL, res.Route, res.TargetURL, init)
	}
	return l.orig.Fetch(ctx, rawURL, init)
}

func (l *Layer) newXHR() XHR {
	return &proxiedXHR{layer: l, native: l.orig.NewXHR()}
}

func (l *Layer) open(rawURL, target, features string) error {
	res := l.router.Resolve(rawURL)
	if res.Decision != Pass {
		l.log.Debug("拦截 window.open", "url", rawURL, "target", res.TargetURL)
		return l.orig.Open(res.TargetURL, target, features)
	}
	return l.orig.Open(rawURL, target, features)
}

// historyWrapper 匹配时以路径作为地址并在状态中标注目标地址
func (l *Layer) historyWrapper(orig func([]byte, string, string)) func([]byte, string, string) {
	return func(state []byte, title, rawURL string) {
		res := l.router.Resolve(rawURL)
		if res.Decision == Pass {
			orig(state, title, rawURL)
			return
		}
		u, err := l.page.Origin().Parse(rawURL)
		if err != nil {
			orig(state, title, rawURL)
			return
		}
		orig(annotateState(state, res.TargetURL), title, pathOf(u))
	}
}

func pathOf(u *url.URL) string {
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}

// annotateState 在原状态对象上追加 modulant 和 targetUrl，非对象状态视为空对象
func annotateState(state []byte, target string) []byte {
	base := state
	if !isJSONObject(base) {
		base = []byte("{}")
	}
	out, err := sjson.SetBytes(base, "modulant", true)
	if err != nil {
		out = []byte("{}")
	}
	if out2, err := sjson.SetBytes(out, "targetUrl", target); err == nil {
		out = out2
	}
	return out
}

func isJSONObject(b []byte) bool {
	return len(b) > 0 && gjson.ValidBytes(b) && gjson.ParseBytes(b).IsObject()
}

func (l *Layer) onClick(ev *ClickEvent) {
	if ev.Href == "" {
		return
	}
	res := l.router.Resolve(ev.Href)
	if res.Decision == Pass {
		return
	}
	ev.PreventDefault()
	l.log.Debug("拦截链接点击", "href", ev.Href, "target", res.TargetURL)
	l.page.Assign(res.TargetURL)
}
