package api

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"modulant/internal/channel"
	"modulant/internal/intercept"
	"modulant/internal/logger"
	"modulant/internal/metrics"
	"modulant/internal/params"
	"modulant/internal/proxy"
	"modulant/internal/rules"
	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

// Instance 一个已初始化的拦截实例
type Instance struct {
	id     model.SessionID
	cfg    Config
	log    logger.Logger
	origin *url.URL

	table  *rules.Table
	rules  *rules.Engine
	params *params.Processor
	store  *metrics.Store
	engine *proxy.Engine
	router *intercept.Router
	layer  *intercept.Layer

	ch          channel.Channel
	ownsChannel bool
	cancel      context.CancelFunc

	active       atomic.Bool
	teardownOnce sync.Once
}

// Initialize 创建实例并等待隔离上下文就绪，失败返回 INIT_FAILED
func Initialize(ctx context.Context, cfg Config, opts ...Option) (*Instance, error) {
	o := options{readyTimeout: DefaultReadyTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.NewNop()
	}
	if o.id == "" {
		o.id = model.SessionID(uuid.NewString())
	}
	log := o.log.With("session", string(o.id))

	origin, err := pageOrigin(cfg, o)
	if err != nil {
		return nil, initFailed(err)
	}
	if o.native == nil {
		if o.page != nil {
			o.native = o.page.Primitives().Fetch
		} else {
			o.native = traffic.NewFetch(nil)
		}
	}

	table := rules.NewTable(nil)
	for _, r := range cfg.Routes {
		if err := r.Validate(); err != nil {
			log.Warn("配置中的路由无效，已跳过", "hostname", r.Match.Hostname, "path", r.Match.Path, "error", err)
			continue
		}
		_, _ = table.Add(r)
	}
	re := rules.New(table, origin, log)
	proc, err := params.New(cfg.ParameterConfig, origin, log)
	if err != nil {
		return nil, initFailed(err)
	}

	ch := o.ch
	owns := false
	if ch == nil {
		ch = channel.NewLocal(channel.FrameConfig{
			InjectScript:   cfg.InjectScript,
			DefaultHeaders: cfg.DefaultHeaders,
			Logger:         log,
		})
		owns = true
	}

	collector := metrics.NewCollector(o.reg)
	store := metrics.New(ctx, o.kv, log)
	engine := proxy.New(re, proc, ch, store, proxy.Options{
		Session:   o.id,
		Timeout:   o.timeout,
		Native:    o.native,
		Collector: collector,
		Logger:    log,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	engine.Start(runCtx)

	inst := &Instance{
		id:          o.id,
		cfg:         cfg,
		log:         log,
		origin:      origin,
		table:       table,
		rules:       re,
		params:      proc,
		store:       store,
		engine:      engine,
		router:      intercept.NewRouter(re, proc, collector),
		ch:          ch,
		ownsChannel: owns,
		cancel:      cancel,
	}

	if err := inst.waitReady(ctx, o.readyTimeout); err != nil {
		inst.release()
		return nil, initFailed(err)
	}

	if o.page != nil {
		inst.layer = intercept.NewLayer(inst.router, engine, log)
		if err := inst.layer.Install(o.page); err != nil {
			inst.release()
			return nil, initFailed(err)
		}
	}
	inst.active.Store(true)
	log.Info("实例初始化完成", "routes", table.Len(), "frame", ch.Origin())
	return inst, nil
}

func pageOrigin(cfg Config, o options) (*url.URL, error) {
	if o.page != nil {
		return o.page.Origin(), nil
	}
	raw := o.pageURL
	if raw == "" {
		raw = cfg.PrimaryServerURL
	}
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("page url must be absolute")
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func initFailed(err error) error {
	return model.WrapError(model.CodeInitFailed, "Initialization failed", err, map[string]any{"error": err.Error()})
}

func (i *Instance) waitReady(ctx context.Context, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-i.engine.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return errors.New("isolated context did not signal readiness")
	case <-i.engine.Done():
		return channel.ErrClosed
	}
}

// ID 实例标识
func (i *Instance) ID() model.SessionID { return i.id }

// Config 初始化配置
func (i *Instance) Config() Config { return i.cfg }

// IsActive 是否处于活动状态
func (i *Instance) IsActive() bool { return i.active.Load() }

// AddRoute 校验并追加路由，失败返回 INVALID_ROUTE
func (i *Instance) AddRoute(route model.Route) (model.Route, error) {
	r, err := i.table.Add(route)
	if err != nil {
		return model.Route{}, err
	}
	i.log.Info("追加路由", "hostname", r.Match.Hostname, "path", r.Match.Path, "kind", r.Kind().String(), "target", r.Target())
	return r, nil
}

// AddPattern 以页面主机名追加转发路由，target 为 "secondary" 时使用备用服务地址
func (i *Instance) AddPattern(pattern, target string) (model.Route, error) {
	if target == "secondary" {
		target = i.cfg.SecondaryServerURL
	}
	hostname := ""
	if i.origin != nil {
		hostname = i.origin.Hostname()
	}
	return i.AddRoute(model.Route{
		Match: model.Match{Hostname: hostname, Path: pattern},
		Proxy: &model.Proxy{Target: target},
	})
}

// Routes 路由表快照
func (i *Instance) Routes() []model.Route {
	return append([]model.Route(nil), i.table.Snapshot()...)
}

// FindMatchingRoute 查找匹配路由
func (i *Instance) FindMatchingRoute(rawURL string) (model.Route, bool) {
	return i.rules.FindMatchingRoute(rawURL)
}

// ProcessURL 计算路由的转发地址
func (i *Instance) ProcessURL(rawURL string, route model.Route) string {
	return i.params.ProcessURL(rawURL, route)
}

// Resolve 返回地址的拦截决策
func (i *Instance) Resolve(rawURL string) intercept.Resolution {
	return i.router.Resolve(rawURL)
}

// Router 共享的路由决策器
func (i *Instance) Router() *intercept.Router { return i.router }

// ProxyRequest 经隔离上下文发起请求
func (i *Instance) ProxyRequest(ctx context.Context, rawURL string, init traffic.Init) (*traffic.Response, error) {
	return i.engine.ProxyRequest(ctx, rawURL, init)
}

// ProxyRoute 按已解析的路由发起请求，供拦截层使用
func (i *Instance) ProxyRoute(ctx context.Context, rawURL string, route model.Route, target string, init traffic.Init) (*traffic.Response, error) {
	return i.engine.ProxyRoute(ctx, rawURL, route, target, init)
}

// GetRequestMetrics 获取请求指标
func (i *Instance) GetRequestMetrics(ctx context.Context) []model.Metric {
	return i.store.List(ctx)
}

// ClearMetrics 清除指定指标，id 为 0 时清除全部
func (i *Instance) ClearMetrics(ctx context.Context, id model.RequestID) {
	if id == 0 {
		i.store.ClearAll(ctx)
		return
	}
	i.store.Clear(ctx, id)
}

// SendTestEvent 向隔离上下文发送测试事件
func (i *Instance) SendTestEvent() error {
	return i.engine.SendTestEvent()
}

// Events 实例事件
func (i *Instance) Events() <-chan model.Event { return i.engine.Events() }

// Teardown 卸载拦截层并关闭通道
func (i *Instance) Teardown() error {
	var err error
	i.teardownOnce.Do(func() {
		i.active.Store(false)
		if i.layer != nil && i.layer.Installed() {
			err = i.layer.Teardown()
		}
		i.release()
		i.log.Info("实例已卸载")
	})
	return err
}

func (i *Instance) release() {
	i.cancel()
	if i.ownsChannel {
		_ = i.ch.Close()
	}
}
