package cdp

import (
	"encoding/json"
	"sort"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"modulant/pkg/traffic"
)

// ToInit 将拦截事件转换为地址和请求参数
func ToInit(ev *fetch.RequestPausedReply) (string, traffic.Init) {
	init := traffic.Init{
		Method:  ev.Request.Method,
		Headers: FromHeaders(ev.Request.Headers),
	}
	if ev.Request.PostData != nil {
		init.Body = *ev.Request.PostData
	}
	u := ev.Request.URL
	if ev.Request.URLFragment != nil {
		u += *ev.Request.URLFragment
	}
	return u, init
}

// FromHeaders 将 CDP 头部对象转换为中立 Header，解析失败返回空 Header
func FromHeaders(raw network.Headers) traffic.Header {
	h := make(traffic.Header)
	if len(raw) == 0 {
		return h
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return h
	}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// ToHeaderEntries 将中立 Header 转换为按名称排序的 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// ToFulfillArgs 用代理响应构造 FulfillRequest 参数
func ToFulfillArgs(id fetch.RequestID, resp *traffic.Response) *fetch.FulfillRequestArgs {
	return &fetch.FulfillRequestArgs{
		RequestID:       id,
		ResponseCode:    resp.Status,
		ResponseHeaders: ToHeaderEntries(fulfillHeaders(resp.Headers)),
		Body:            resp.Body,
	}
}

// fulfillHeaders 去掉与重新编码后的响应体不一致的头部
func fulfillHeaders(h traffic.Header) traffic.Header {
	out := h.Clone()
	out.Del("content-encoding")
	out.Del("content-length")
	out.Del("transfer-encoding")
	return out
}
