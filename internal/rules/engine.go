package rules

import (
	"net/url"
	"strings"

	"modulant/internal/logger"
	"modulant/pkg/model"
)

// Engine 路由匹配引擎
type Engine struct {
	table  *Table
	origin *url.URL
	log    logger.Logger
}

// New 创建匹配引擎，origin 用于解析相对地址
func New(table *Table, origin *url.URL, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	if table == nil {
		table = NewTable(nil)
	}
	return &Engine{table: table, origin: origin, log: l}
}

// Table 返回路由表
func (e *Engine) Table() *Table { return e.table }

// Origin 返回页面源
func (e *Engine) Origin() *url.URL { return e.origin }

// Resolve 将地址解析为绝对 URL
func (e *Engine) Resolve(rawURL string) (*url.URL, error) {
	return ResolveURL(e.origin, rawURL)
}

// FindMatchingRoute 按表顺序查找第一个匹配的路由
func (e *Engine) FindMatchingRoute(rawURL string) (model.Route, bool) {
	u, err := e.Resolve(rawURL)
	if err != nil {
		e.log.Debug("解析地址失败，视为不匹配", "url", rawURL, "error", err)
		return model.Route{}, false
	}
	// 单次快照，匹配过程中不受 AddRoute 影响
	for _, r := range e.table.Snapshot() {
		if matchRoute(u, r.Match) {
			return r, true
		}
	}
	return model.Route{}, false
}

func matchRoute(u *url.URL, m model.Match) bool {
	if m.Hostname != u.Hostname() {
		return false
	}
	if m.Path == "" {
		return true
	}
	return matchGlob(u.Path, m.Path)
}

// matchGlob 将 * 替换为 .* 后在路径中查找
func matchGlob(path, glob string) bool {
	re, err := regexCache.Get(globToRegex(glob))
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func globToRegex(glob string) string {
	return strings.ReplaceAll(glob, "*", ".*")
}

// ResolveURL 以 base 为基准解析相对地址
func ResolveURL(base *url.URL, rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		if u.Host == "" && u.Opaque == "" {
			return nil, &url.Error{Op: "parse", URL: rawURL, Err: errNoHost}
		}
		return u, nil
	}
	if base == nil {
		return nil, &url.Error{Op: "parse", URL: rawURL, Err: errNoBase}
	}
	return base.ResolveReference(u), nil
}
