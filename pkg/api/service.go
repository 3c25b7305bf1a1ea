package api

import (
	"context"

	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

// Service 单个拦截实例对外提供的能力
type Service interface {
	// ID 实例标识
	ID() model.SessionID

	// IsActive 是否已完成初始化且未卸载
	IsActive() bool

	// AddRoute 追加路由
	AddRoute(route model.Route) (model.Route, error)

	// AddPattern 以当前页面主机名和路径模式追加转发路由
	AddPattern(pattern, target string) (model.Route, error)

	// Routes 当前路由表快照
	Routes() []model.Route

	// ProxyRequest 经隔离上下文发起请求
	ProxyRequest(ctx context.Context, rawURL string, init traffic.Init) (*traffic.Response, error)

	// GetRequestMetrics 获取请求指标
	GetRequestMetrics(ctx context.Context) []model.Metric

	// ClearMetrics 清除指定指标，id 为 0 时清除全部
	ClearMetrics(ctx context.Context, id model.RequestID)

	// SendTestEvent 向隔离上下文发送测试事件
	SendTestEvent() error

	// Events 订阅实例事件
	Events() <-chan model.Event

	// Teardown 卸载拦截并释放资源
	Teardown() error
}

var _ Service = (*Instance)(nil)
