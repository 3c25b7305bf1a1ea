package params

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"modulant/internal/logger"
	"modulant/internal/rules"
	"modulant/pkg/model"
)

// Processor 查询参数处理器
//
// 处理失败时返回原始地址（fail open），页面浏览不能被路由错误破坏。
type Processor struct {
	cfg      model.ParameterConfig
	filters  []*regexp.Regexp
	patterns map[string]*regexp.Regexp
	defaults []string
	origin   *url.URL
	log      logger.Logger
}

// New 创建参数处理器，过滤和校验正则在此处编译
func New(cfg model.ParameterConfig, origin *url.URL, l logger.Logger) (*Processor, error) {
	if l == nil {
		l = logger.NewNop()
	}
	p := &Processor{
		cfg:      cfg,
		patterns: make(map[string]*regexp.Regexp),
		origin:   origin,
		log:      l,
	}
	for _, f := range cfg.FilterPatterns {
		re, err := regexp.Compile(f)
		if err != nil {
			return nil, model.WrapError(model.CodeParamError, "invalid filter pattern", err, map[string]any{"pattern": f})
		}
		p.filters = append(p.filters, re)
	}
	for name, rule := range cfg.ParameterRules {
		if rule.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, model.WrapError(model.CodeParamError, "invalid parameter pattern", err, map[string]any{"param": name, "pattern": rule.Pattern})
		}
		p.patterns[name] = re
	}
	for k := range cfg.DefaultValues {
		p.defaults = append(p.defaults, k)
	}
	sort.Strings(p.defaults)
	return p, nil
}

// ProcessURL 生成转发目标地址：目标基址 + 路径 + 处理后的查询串
func (p *Processor) ProcessURL(rawURL string, route model.Route) (out string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("参数处理异常，返回原始地址", "url", rawURL, "panic", fmt.Sprint(r))
			out = rawURL
		}
	}()

	target, err := p.build(rawURL, route)
	if err != nil {
		p.log.Debug("参数处理失败，返回原始地址", "url", rawURL, "error", err)
		return rawURL
	}
	return target
}

func (p *Processor) build(rawURL string, route model.Route) (string, error) {
	if route.Proxy == nil || route.Proxy.Target == "" {
		return "", model.NewError(model.CodeParamError, "route has no proxy target", nil)
	}
	parsed, err := rules.ResolveURL(p.origin, rawURL)
	if err != nil {
		return "", model.WrapError(model.CodeParamError, "invalid url", err, map[string]any{"url": rawURL})
	}

	path := parsed.EscapedPath()
	if route.Proxy.PathRewrite != "" {
		path = rules.RewritePath(path, route.Match.Path, route.Proxy.PathRewrite)
	}

	target, err := url.Parse(strings.TrimRight(route.Proxy.Target, "/") + path)
	if err != nil {
		return "", model.WrapError(model.CodeParamError, "invalid target", err, map[string]any{"target": route.Proxy.Target})
	}
	target.RawQuery = p.ProcessQuery(parsed.RawQuery).Encode()
	target.Fragment = ""
	return target.String(), nil
}

// ProcessQuery 依次执行过滤、转换、校验，最后补全默认值
func (p *Processor) ProcessQuery(rawQuery string) Values {
	in := ParseQuery(rawQuery)
	out := make(Values, 0, len(in))
	for _, kv := range in {
		if p.shouldFilter(kv.Key) {
			p.log.Debug("参数被过滤", "param", kv.Key)
			continue
		}
		value := p.applyTransform(kv.Key, kv.Value)
		if _, ok := p.cfg.ParameterRules[kv.Key]; ok && !p.validate(kv.Key, value) {
			p.log.Debug("参数校验失败，已丢弃", "param", kv.Key)
			continue
		}
		out = append(out, Pair{Key: kv.Key, Value: value})
	}
	for _, k := range p.defaults {
		if !out.Has(k) {
			out = append(out, Pair{Key: k, Value: p.cfg.DefaultValues[k]})
		}
	}
	return out
}

func (p *Processor) shouldFilter(key string) bool {
	for _, re := range p.filters {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

func (p *Processor) applyTransform(key, value string) (out string) {
	hook, ok := p.cfg.TransformHooks[key]
	if !ok || hook == nil {
		return value
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("转换钩子异常，保留原值", "param", key, "panic", fmt.Sprint(r))
			out = value
		}
	}()
	v, err := hook(value)
	if err != nil {
		p.log.Warn("转换钩子失败，保留原值", "param", key, "error", err)
		return value
	}
	return v
}

func (p *Processor) validate(key, value string) (ok bool) {
	rule := p.cfg.ParameterRules[key]
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("参数校验异常", "param", key, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	if rule.Required && strings.TrimSpace(value) == "" {
		return false
	}
	if re, has := p.patterns[key]; has && !re.MatchString(value) {
		return false
	}
	if rule.Validate != nil && !rule.Validate(value) {
		return false
	}
	return true
}
