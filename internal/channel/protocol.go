package channel

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"modulant/pkg/model"
	"modulant/pkg/traffic"
)

// 协议常量，字段名和信号值需与隔离上下文脚本保持一致
const (
	TypeProxy     = "proxy"
	SignalReady   = "modulant:ready"
	SignalTest    = "test-custom-event"
	SignalTestAck = "custom-event-fired"
)

var (
	ErrClosed    = errors.New("channel closed")
	ErrMalformed = errors.New("malformed channel message")
)

// Kind 消息类别
type Kind int

const (
	KindInvalid Kind = iota
	KindSignal
	KindProxy
	KindResult
)

// Envelope 携带来源的消息
type Envelope struct {
	Origin string
	Data   []byte
}

// ProxyMessage 父上下文发往隔离上下文的代理请求
type ProxyMessage struct {
	Type string          `json:"type"`
	ID   model.RequestID `json:"id"`
	URL  string          `json:"url"`
	Init traffic.Init    `json:"init"`
}

// ResultMessage 隔离上下文返回的结果，Error 非空表示失败
type ResultMessage struct {
	ID      model.RequestID `json:"id"`
	Body    string          `json:"body,omitempty"`
	Status  int             `json:"status,omitempty"`
	Headers traffic.Header  `json:"headers,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Classify 不做完整解码，判断消息类别；信号类消息同时返回信号值
func Classify(data []byte) (Kind, string) {
	if !gjson.ValidBytes(data) {
		return KindInvalid, ""
	}
	r := gjson.ParseBytes(data)
	switch {
	case r.Type == gjson.String:
		return KindSignal, r.Str
	case r.IsObject() && r.Get("type").String() == TypeProxy:
		return KindProxy, ""
	case r.IsObject() && r.Get("id").Exists():
		return KindResult, ""
	default:
		return KindInvalid, ""
	}
}

// ResultID 读取结果消息中的请求ID
func ResultID(data []byte) (model.RequestID, bool) {
	r := gjson.GetBytes(data, "id")
	if r.Type != gjson.Number {
		return 0, false
	}
	return model.RequestID(r.Int()), true
}

// EncodeSignal 编码信号消息
func EncodeSignal(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

// EncodeProxy 编码代理请求
func EncodeProxy(id model.RequestID, url string, init traffic.Init) ([]byte, error) {
	return json.Marshal(ProxyMessage{Type: TypeProxy, ID: id, URL: url, Init: init})
}

// EncodeResult 编码结果消息
func EncodeResult(m ResultMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeProxy 解码代理请求
func DecodeProxy(data []byte) (ProxyMessage, error) {
	var m ProxyMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.Join(ErrMalformed, err)
	}
	if m.URL == "" {
		return m, ErrMalformed
	}
	return m, nil
}

// DecodeResult 解码结果消息，既无错误又无状态码视为格式错误
func DecodeResult(data []byte) (ResultMessage, error) {
	var m ResultMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, errors.Join(ErrMalformed, err)
	}
	if m.Error == "" && m.Status <= 0 {
		return m, ErrMalformed
	}
	return m, nil
}
