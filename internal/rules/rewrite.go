package rules

import (
	"regexp"
	"strings"
)

var multiSlash = regexp.MustCompile(`/+`)

// RewritePath 按路由模式重写路径，不匹配时原样返回
//
// rewritePattern 中的 $1 会被替换为匹配前缀之后的剩余路径；
// 不含 $1 时整个模式作为字面替换路径。
func RewritePath(originalPath, routePattern, rewritePattern string) string {
	if rewritePattern == "" {
		return originalPath
	}
	clean := strings.TrimPrefix(routePattern, "/")
	clean = strings.TrimSuffix(clean, "*")
	re, err := regexCache.Get("^/?(" + globToRegex(clean) + ")")
	if err != nil {
		return originalPath
	}
	loc := re.FindStringIndex(originalPath)
	if loc == nil {
		return originalPath
	}
	remaining := originalPath[loc[1]:]

	var out string
	if strings.Contains(rewritePattern, "$1") {
		out = strings.Replace(rewritePattern, "$1", "/"+remaining, 1)
	} else {
		out = strings.Trim(rewritePattern, "/")
	}
	return normalizePath(out)
}

func normalizePath(p string) string {
	return multiSlash.ReplaceAllString("/"+p, "/")
}
