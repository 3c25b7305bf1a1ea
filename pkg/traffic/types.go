package traffic

import (
	"context"
	"net/http"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// FromHTTP 将 net/http 头部折叠为单值 Header，多值以逗号连接
func FromHTTP(h http.Header) Header {
	out := make(Header, len(h))
	for k, vals := range h {
		out.Set(k, strings.Join(vals, ", "))
	}
	return out
}

// Init 请求参数，对应 fetch 的 init 对象
type Init struct {
	Method  string `json:"method,omitempty"`
	Headers Header `json:"headers,omitempty"`
	Body    string `json:"body,omitempty"`
}

// MethodOrDefault 返回请求方法，缺省为 GET
func (i Init) MethodOrDefault() string {
	if i.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(i.Method)
}

// Response 中立的响应模型
type Response struct {
	URL     string // 实际请求的地址
	Status  int    // 状态码
	Headers Header // 响应头
	Body    []byte // 响应体数据
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		Status:  http.StatusOK,
		Headers: make(Header),
	}
}

// Text 以文本形式返回响应体
func (r *Response) Text() string { return string(r.Body) }

// OK 状态码是否在 2xx 范围
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// FetchFunc 原生网络请求原语
type FetchFunc func(ctx context.Context, rawURL string, init Init) (*Response, error)
