package model

import "time"

type SessionID string
type TargetID string

// RequestID 代理请求唯一标识
type RequestID int64

// MetricStatus 请求指标状态
type MetricStatus string

const (
	StatusInProgress MetricStatus = "in-progress"
	StatusCompleted  MetricStatus = "completed"
)

// Metric 单个代理请求的计时记录
type Metric struct {
	ID        RequestID     `json:"id"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration,omitempty"`
	Status    MetricStatus  `json:"status"`
}

// 事件类型
const (
	EventProxied   = "proxied"
	EventPassed    = "passed"
	EventNavigated = "navigated"
	EventFailed    = "failed"
	EventDegraded  = "degraded"
	EventTest      = "test-event"
	EventReady     = "ready"
)

type Event struct {
	Type      string    `json:"type"`
	Session   SessionID `json:"session"`
	Target    TargetID  `json:"target,omitempty"`
	RequestID RequestID `json:"requestId,omitempty"`
	URL       string    `json:"url,omitempty"`
	TargetURL string    `json:"targetUrl,omitempty"`
	Method    string    `json:"method,omitempty"`
	Status    int       `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
	IsUser    bool     `json:"isUser"`
}

type SessionConfig struct {
	DevToolsURL      string `json:"devToolsURL"`
	Concurrency      int    `json:"concurrency"`
	PendingCapacity  int    `json:"pendingCapacity"`
	ProcessTimeoutMS int    `json:"processTimeoutMS"`
}
