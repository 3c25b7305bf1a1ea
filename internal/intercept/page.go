package intercept

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/go-resty/resty/v2"

	"modulant/pkg/traffic"
)

// Primitives 页面可被拦截的原生能力
type Primitives struct {
	Fetch        traffic.FetchFunc
	NewXHR       func() XHR
	Open         func(rawURL, target, features string) error
	PushState    func(state []byte, title, rawURL string)
	ReplaceState func(state []byte, title, rawURL string)
}

// HistoryEntry 历史记录条目
type HistoryEntry struct {
	State []byte
	Title string
	URL   string
}

// ClickEvent 链接点击事件
type ClickEvent struct {
	Href      string
	prevented bool
}

// PreventDefault 阻止默认跳转
func (e *ClickEvent) PreventDefault() { e.prevented = true }

// DefaultPrevented 是否已阻止默认跳转
func (e *ClickEvent) DefaultPrevented() bool { return e.prevented }

// ClickListener 捕获阶段的点击监听器
type ClickListener func(*ClickEvent)

// Page 宿主页面，持有可替换的原生能力表
type Page struct {
	mu        sync.RWMutex
	origin    *url.URL
	location  *url.URL
	prims     Primitives
	listeners map[int]ClickListener
	nextID    int

	history     []HistoryEntry
	opened      []string
	navigations []string
}

// NewPage 创建页面，默认能力基于 resty 客户端实现
func NewPage(rawURL string, client *resty.Client) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("page url must be absolute: %q", rawURL)
	}
	p := &Page{
		origin:    &url.URL{Scheme: u.Scheme, Host: u.Host},
		location:  u,
		listeners: make(map[int]ClickListener),
	}
	fetch := traffic.NewFetch(client)
	p.prims = Primitives{
		Fetch:        fetch,
		NewXHR:       func() XHR { return NewFetchXHR(fetch) },
		Open:         p.defaultOpen,
		PushState:    p.defaultPush,
		ReplaceState: p.defaultReplace,
	}
	return p, nil
}

// Origin 页面源
func (p *Page) Origin() *url.URL {
	cp := *p.origin
	return &cp
}

// Hostname 页面主机名
func (p *Page) Hostname() string { return p.origin.Hostname() }

// Location 当前地址
func (p *Page) Location() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.location.String()
}

// Primitives 当前能力表
func (p *Page) Primitives() Primitives {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prims
}

// SetPrimitives 替换能力表
func (p *Page) SetPrimitives(prims Primitives) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prims = prims
}

// Fetch 调用当前 fetch
func (p *Page) Fetch(ctx context.Context, rawURL string, init traffic.Init) (*traffic.Response, error) {
	return p.Primitives().Fetch(ctx, rawURL, init)
}

// NewXHR 创建 XMLHttpRequest
func (p *Page) NewXHR() XHR { return p.Primitives().NewXHR() }

// Open 调用当前 window.open
func (p *Page) Open(rawURL, target, features string) error {
	return p.Primitives().Open(rawURL, target, features)
}

// PushState 调用当前 history.pushState
func (p *Page) PushState(state []byte, title, rawURL string) {
	p.Primitives().PushState(state, title, rawURL)
}

// ReplaceState 调用当前 history.replaceState
func (p *Page) ReplaceState(state []byte, title, rawURL string) {
	p.Primitives().ReplaceState(state, title, rawURL)
}

// AddClickListener 注册捕获阶段监听器，返回用于移除的ID
func (p *Page) AddClickListener(l ClickListener) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.listeners[p.nextID] = l
	return p.nextID
}

// RemoveClickListener 移除监听器
func (p *Page) RemoveClickListener(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, id)
}

// Click 模拟点击链接：先执行捕获监听器，未阻止时执行默认跳转
func (p *Page) Click(href string) *ClickEvent {
	p.mu.RLock()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]ClickListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, p.listeners[id])
	}
	p.mu.RUnlock()

	ev := &ClickEvent{Href: href}
	for _, l := range listeners {
		l(ev)
	}
	if !ev.prevented {
		p.Assign(href)
	}
	return ev
}

// Assign 设置 location.href
func (p *Page) Assign(rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, err := p.location.Parse(rawURL); err == nil {
		p.location = u
	}
	p.navigations = append(p.navigations, rawURL)
}

// History 历史记录副本
func (p *Page) History() []HistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]HistoryEntry(nil), p.history...)
}

// Opened window.open 打开过的地址
func (p *Page) Opened() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.opened...)
}

// Navigations location.href 赋值记录
func (p *Page) Navigations() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.navigations...)
}

func (p *Page) defaultOpen(rawURL, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, rawURL)
	return nil
}

func (p *Page) defaultPush(state []byte, title, rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, HistoryEntry{State: state, Title: title, URL: rawURL})
	p.moveTo(rawURL)
}

func (p *Page) defaultReplace(state []byte, title, rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := HistoryEntry{State: state, Title: title, URL: rawURL}
	if n := len(p.history); n > 0 {
		p.history[n-1] = entry
	} else {
		p.history = append(p.history, entry)
	}
	p.moveTo(rawURL)
}

// moveTo 同源地址变更，调用方持有锁
func (p *Page) moveTo(rawURL string) {
	if rawURL == "" {
		return
	}
	if u, err := p.location.Parse(rawURL); err == nil {
		p.location = u
	}
}
