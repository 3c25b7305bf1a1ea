package rules

import (
	"regexp"
	"sync"
)

var regexCache = &reCache{m: make(map[string]*regexp.Regexp)}

// reCache 编译后正则的缓存，编译失败的表达式不缓存
type reCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

// Get 获取或编译正则
func (c *reCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}

// CompileCached 供其他包复用的正则缓存入口
func CompileCached(pattern string) (*regexp.Regexp, error) {
	return regexCache.Get(pattern)
}
