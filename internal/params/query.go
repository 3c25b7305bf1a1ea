package params

import (
	"net/url"
	"strings"
)

// Pair 单个查询参数
type Pair struct {
	Key   string
	Value string
}

// Values 保持原始顺序、允许重复键的查询参数列表
type Values []Pair

// ParseQuery 按出现顺序解析查询串，解码失败时保留原文
func ParseQuery(raw string) Values {
	raw = strings.TrimPrefix(raw, "?")
	if raw == "" {
		return nil
	}
	var out Values
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		out = append(out, Pair{Key: unescape(k), Value: unescape(v)})
	}
	return out
}

func unescape(s string) string {
	u, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return u
}

// Has 是否包含指定键
func (v Values) Has(key string) bool {
	for _, p := range v {
		if p.Key == key {
			return true
		}
	}
	return false
}

// Get 返回指定键的第一个值
func (v Values) Get(key string) (string, bool) {
	for _, p := range v {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Encode 按原始顺序编码
func (v Values) Encode() string {
	if len(v) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range v {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}
