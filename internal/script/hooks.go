package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

// NewTransform 编译参数转换脚本，脚本中 value 为原始值，最后一个表达式为结果
func NewTransform(name, src string) (model.TransformFunc, error) {
	p, err := Compile(name, src)
	if err != nil {
		return nil, err
	}
	return func(value string) (string, error) {
		v, _, err := p.Run(context.Background(), map[string]any{"value": value}, nil)
		if err != nil {
			return "", err
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return "", fmt.Errorf("transform %s returned no value", name)
		}
		return v.String(), nil
	}, nil
}

// NewValidator 编译参数校验脚本，结果按 JS 真值判断
func NewValidator(name, src string) (model.Validator, error) {
	p, err := Compile(name, src)
	if err != nil {
		return nil, err
	}
	return func(value string) bool {
		v, _, err := p.Run(context.Background(), map[string]any{"value": value}, nil)
		if err != nil || v == nil {
			return false
		}
		return v.ToBoolean()
	}, nil
}

// NewResponseModifier 编译响应修改脚本
//
// 脚本可直接修改全局 response 对象（status/headers/body），
// 也可返回一个新对象替换之。
func NewResponseModifier(name, src string) (model.ResponseModifier, error) {
	p, err := Compile(name, src)
	if err != nil {
		return nil, err
	}
	return func(resp *traffic.Response) (*traffic.Response, error) {
		headers := make(map[string]any, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		obj := map[string]any{
			"url":     resp.URL,
			"status":  resp.Status,
			"headers": headers,
			"body":    string(resp.Body),
		}
		v, vm, err := p.Run(context.Background(), map[string]any{"response": obj}, nil)
		if err != nil {
			return nil, err
		}
		result := vm.Get("response")
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			if _, ok := v.Export().(map[string]any); ok {
				result = v
			}
		}
		return fromJS(resp, result.Export())
	}, nil
}

func fromJS(orig *traffic.Response, exported any) (*traffic.Response, error) {
	m, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response modifier produced %T, want object", exported)
	}
	out := &traffic.Response{URL: orig.URL, Status: orig.Status, Headers: make(traffic.Header), Body: orig.Body}
	switch s := m["status"].(type) {
	case int64:
		out.Status = int(s)
	case float64:
		out.Status = int(s)
	case int:
		out.Status = s
	}
	if u, ok := m["url"].(string); ok && u != "" {
		out.URL = u
	}
	if hs, ok := m["headers"].(map[string]any); ok {
		for k, v := range hs {
			out.Headers.Set(k, fmt.Sprint(v))
		}
	} else {
		out.Headers = orig.Headers.Clone()
	}
	if b, ok := m["body"]; ok && b != nil {
		switch body := b.(type) {
		case string:
			out.Body = []byte(body)
		default:
			out.Body = []byte(strings.TrimSpace(fmt.Sprint(body)))
		}
	}
	return out, nil
}
