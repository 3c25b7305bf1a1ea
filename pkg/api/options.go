package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modulant/internal/channel"
	"modulant/internal/intercept"
	"modulant/internal/logger"
	"modulant/internal/storage"
	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

// DefaultReadyTimeout 等待隔离上下文就绪的默认时长
const DefaultReadyTimeout = 10 * time.Second

// Config 实例配置
type Config struct {
	PrimaryServerURL   string
	SecondaryServerURL string
	Routes             []model.Route
	DefaultHeaders     map[string]string
	InjectScript       string
	ParameterConfig    model.ParameterConfig
}

type options struct {
	id           model.SessionID
	log          logger.Logger
	ch           channel.Channel
	kv           storage.KV
	reg          prometheus.Registerer
	page         *intercept.Page
	pageURL      string
	timeout      time.Duration
	readyTimeout time.Duration
	native       traffic.FetchFunc
}

// Option 初始化选项
type Option func(*options)

// WithSessionID 指定实例ID，默认随机生成
func WithSessionID(id model.SessionID) Option {
	return func(o *options) { o.id = id }
}

// WithLogger 指定日志器
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithChannel 使用外部通道，默认创建进程内隔离上下文
func WithChannel(ch channel.Channel) Option {
	return func(o *options) { o.ch = ch }
}

// WithStore 指定指标持久化后端
func WithStore(kv storage.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithRegisterer 指定 Prometheus 注册器
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithPage 在页面上安装拦截层
func WithPage(p *intercept.Page) Option {
	return func(o *options) { o.page = p }
}

// WithPageURL 指定页面地址，用于解析相对地址
func WithPageURL(u string) Option {
	return func(o *options) { o.pageURL = u }
}

// WithTimeout 代理请求超时
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithReadyTimeout 等待就绪超时
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) { o.readyTimeout = d }
}

// WithNativeFetch 指定原生请求实现
func WithNativeFetch(f traffic.FetchFunc) Option {
	return func(o *options) { o.native = f }
}
