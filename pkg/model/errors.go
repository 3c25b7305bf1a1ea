package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode 错误分类码
type ErrorCode string

const (
	CodeInitFailed   ErrorCode = "INIT_FAILED"
	CodeInvalidRoute ErrorCode = "INVALID_ROUTE"
	CodeProxyError   ErrorCode = "PROXY_ERROR"
	CodeParamError   ErrorCode = "PARAM_ERROR"
	CodeScriptError  ErrorCode = "SCRIPT_ERROR"
)

var (
	// ErrRequestTimeout 代理请求在超时时间内未收到响应
	ErrRequestTimeout = errors.New("request timeout")
	// ErrRequestCanceled 调用方取消了代理请求
	ErrRequestCanceled = errors.New("request canceled")
)

// Error 带分类码和上下文的错误
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// NewError 创建分类错误
func NewError(code ErrorCode, msg string, ctx map[string]any) *Error {
	return &Error{Code: code, Message: msg, Context: ctx}
}

// WrapError 创建包装底层错误的分类错误
func WrapError(code ErrorCode, msg string, cause error, ctx map[string]any) *Error {
	return &Error{Code: code, Message: msg, Cause: cause, Context: ctx}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		b.WriteString(" {")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("}")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Timeout 是否为超时错误
func (e *Error) Timeout() bool { return errors.Is(e.Cause, ErrRequestTimeout) }

// IsCode 判断错误链中是否包含指定分类码
func IsCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
