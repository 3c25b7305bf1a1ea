package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"

	"modulant/internal/intercept"
	"modulant/internal/logger"
	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

// DefaultProcessTimeoutMS 单个拦截事件的处理上限，需大于代理请求超时
const DefaultProcessTimeoutMS = 35000

var (
	ErrTargetNotFound = errors.New("cdp: target not found")
	ErrAttached       = errors.New("cdp: target already attached")
	ErrClosed         = errors.New("cdp: manager closed")
)

// FetchClient CDP Fetch 域中用到的命令
type FetchClient interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error
}

// Interceptor 对暂停请求做出路由决策并执行代理
type Interceptor interface {
	Resolve(rawURL string) intercept.Resolution
	ProxyRoute(ctx context.Context, rawURL string, route model.Route, target string, init traffic.Init) (*traffic.Response, error)
}

type targetSession struct {
	id      model.TargetID
	session model.SessionID
	conn    *rpcc.Conn
	client  *cdp.Client
	fetch   FetchClient
	icpt    Interceptor
	ctx     context.Context
	cancel  context.CancelFunc
}

// Manager 管理浏览器目标的连接与请求拦截
type Manager struct {
	devtoolsURL      string
	processTimeoutMS int
	pool             *workerPool
	log              logger.Logger
	events           chan model.Event

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession
	closed    atomic.Bool
}

// New 创建 CDP 管理器，Concurrency 大于 0 时使用有界任务池
func New(cfg model.SessionConfig, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	m := &Manager{
		devtoolsURL:      cfg.DevToolsURL,
		processTimeoutMS: cfg.ProcessTimeoutMS,
		log:              l,
		events:           make(chan model.Event, 256),
		targets:          make(map[model.TargetID]*targetSession),
	}
	if m.processTimeoutMS <= 0 {
		m.processTimeoutMS = DefaultProcessTimeoutMS
	}
	if cfg.Concurrency > 0 {
		capacity := cfg.PendingCapacity
		if capacity <= 0 {
			capacity = cfg.Concurrency * 8
		}
		m.pool = newWorkerPool(cfg.Concurrency, capacity)
	}
	return m
}

// Events 拦截事件流
func (m *Manager) Events() <-chan model.Event { return m.events }

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		id := model.TargetID(t.ID)
		_, attached := m.targets[id]
		out = append(out, model.TargetInfo{
			ID:        id,
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
			IsUser:    isUserPage(t.URL),
		})
	}
	return out, nil
}

func isUserPage(u string) bool {
	return !strings.HasPrefix(u, "devtools://") && !strings.HasPrefix(u, "chrome://") && !strings.HasPrefix(u, "chrome-extension://")
}

// AttachTarget 连接目标并开启请求阶段拦截；id 为空时选择第一个用户页面
func (m *Manager) AttachTarget(ctx context.Context, id model.TargetID, session model.SessionID, icpt Interceptor) (model.TargetID, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if (id == "" && isUserPage(t.URL)) || model.TargetID(t.ID) == id {
			sel = t
			break
		}
	}
	if sel == nil {
		return "", ErrTargetNotFound
	}
	tid := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	_, exists := m.targets[tid]
	m.targetsMu.Unlock()
	if exists {
		return tid, ErrAttached
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return "", fmt.Errorf("dial target: %w", err)
	}
	client := cdp.NewClient(conn)
	pattern := "*"
	err = client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest},
	}})
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("enable fetch: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	ts := &targetSession{
		id:      tid,
		session: session,
		conn:    conn,
		client:  client,
		fetch:   client.Fetch,
		icpt:    icpt,
		ctx:     tctx,
		cancel:  cancel,
	}
	if !m.register(ts) {
		cancel()
		_ = conn.Close()
		return tid, ErrAttached
	}

	go m.consume(ts)
	m.log.Info("已连接目标", "target", string(tid), "url", sel.URL, "session", string(session))
	return tid, nil
}

// register 登记目标会话，目标已被并发连接时返回 false
func (m *Manager) register(ts *targetSession) bool {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	if _, exists := m.targets[ts.id]; exists {
		return false
	}
	m.targets[ts.id] = ts
	return true
}

// DetachTarget 断开目标连接
func (m *Manager) DetachTarget(id model.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	if ok {
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()
	if !ok {
		return ErrTargetNotFound
	}
	m.closeTargetSession(ts)
	m.log.Info("已断开目标", "target", string(id))
	return nil
}

// Close 断开全部目标并停止任务池
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.targetsMu.Lock()
	all := make([]*targetSession, 0, len(m.targets))
	for id, ts := range m.targets {
		all = append(all, ts)
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()
	for _, ts := range all {
		m.closeTargetSession(ts)
	}
	if m.pool != nil {
		m.pool.stop()
	}
	return nil
}

func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if ts.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), processReplyTimeout)
		_ = ts.client.Fetch.Disable(ctx)
		cancel()
	}
	if ts.conn != nil {
		_ = ts.conn.Close()
	}
}

func (m *Manager) isEnabled() bool { return !m.closed.Load() }
