package intercept

import (
	"modulant/internal/metrics"
	"modulant/internal/params"
	"modulant/internal/rules"
	"modulant/pkg/model"
)

// Decision 拦截决策
type Decision int

const (
	// Pass 无匹配路由，原样放行
	Pass Decision = iota
	// Proxy 经隔离上下文转发
	Proxy
	// Navigate 导航路由，仅改写跳转地址
	Navigate
)

func (d Decision) String() string {
	switch d {
	case Proxy:
		return "proxy"
	case Navigate:
		return "navigate"
	default:
		return "pass"
	}
}

// Resolution 路由决策结果
type Resolution struct {
	Decision  Decision
	Route     model.Route
	TargetURL string
}

// Router 拦截层与 CDP 适配器共用的路由决策
type Router struct {
	rules     *rules.Engine
	params    *params.Processor
	collector *metrics.Collector
}

// NewRouter 创建路由决策器，collector 可为 nil
func NewRouter(r *rules.Engine, p *params.Processor, c *metrics.Collector) *Router {
	return &Router{rules: r, params: p, collector: c}
}

// Resolve 返回地址的拦截决策；匹配时 TargetURL 为处理后的地址
func (r *Router) Resolve(rawURL string) Resolution {
	route, ok := r.rules.FindMatchingRoute(rawURL)
	res := Resolution{Decision: Pass, TargetURL: rawURL}
	if ok {
		res.Route = route
		res.TargetURL = r.params.ProcessURL(rawURL, route)
		res.Decision = Navigate
		if route.Kind() == model.RouteProxy {
			res.Decision = Proxy
		}
	}
	if r.collector != nil {
		r.collector.Routes.WithLabelValues(res.Decision.String()).Inc()
	}
	return res
}
