package model

import (
	"net/url"

	"modulant/pkg/traffic"
)

// RouteKind 路由类型
type RouteKind int

const (
	// RouteNavigation 仅拦截不转发
	RouteNavigation RouteKind = iota
	// RouteProxy 拦截并转发到目标地址
	RouteProxy
)

func (k RouteKind) String() string {
	if k == RouteProxy {
		return "proxy"
	}
	return "navigation"
}

// ResponseModifier 响应修改钩子
type ResponseModifier func(*traffic.Response) (*traffic.Response, error)

// Match 路由匹配条件
type Match struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Path     string `json:"path" yaml:"path"`
}

// Proxy 路由转发配置
type Proxy struct {
	Target         string           `json:"target" yaml:"target"`
	PathRewrite    string           `json:"pathRewrite,omitempty" yaml:"pathRewrite"`
	ChangeOrigin   bool             `json:"changeOrigin,omitempty" yaml:"changeOrigin"`
	ModifyResponse ResponseModifier `json:"-" yaml:"-"`
}

// Route 单条路由定义，Proxy 为空时为导航路由
type Route struct {
	Match Match  `json:"match" yaml:"match"`
	Proxy *Proxy `json:"proxy,omitempty" yaml:"proxy"`
}

// Kind 返回路由类型
func (r Route) Kind() RouteKind {
	if r.Proxy != nil {
		return RouteProxy
	}
	return RouteNavigation
}

// Target 返回转发目标，导航路由返回空串
func (r Route) Target() string {
	if r.Proxy == nil {
		return ""
	}
	return r.Proxy.Target
}

// Validate 校验运行时追加的路由
func (r Route) Validate() error {
	if r.Match.Hostname == "" {
		return NewError(CodeInvalidRoute, "Invalid route configuration", map[string]any{"field": "match.hostname"})
	}
	if r.Match.Path == "" {
		return NewError(CodeInvalidRoute, "Invalid route configuration", map[string]any{"field": "match.path"})
	}
	if r.Proxy == nil {
		return nil
	}
	if r.Proxy.Target == "" {
		return NewError(CodeInvalidRoute, "Invalid route configuration", map[string]any{"field": "proxy.target"})
	}
	u, err := url.Parse(r.Proxy.Target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return WrapError(CodeInvalidRoute, "Invalid proxy target", err, map[string]any{"target": r.Proxy.Target})
	}
	return nil
}

// TransformFunc 参数值转换钩子
type TransformFunc func(value string) (string, error)

// Validator 参数自定义校验
type Validator func(value string) bool

// ParameterRule 单个参数的校验规则
type ParameterRule struct {
	Required bool      `json:"required,omitempty"`
	Pattern  string    `json:"pattern,omitempty"`
	Validate Validator `json:"-"`
}

// ParameterConfig 查询参数处理配置
type ParameterConfig struct {
	TransformHooks map[string]TransformFunc `json:"-"`
	ParameterRules map[string]ParameterRule `json:"parameterRules,omitempty"`
	DefaultValues  map[string]string        `json:"defaultValues,omitempty"`
	FilterPatterns []string                 `json:"filterPatterns,omitempty"`
}
