package ctxkeys

// TraceIDKey 上下文中追踪ID的键
type TraceIDKey struct{}

// SessionIDKey 上下文中会话ID的键
type SessionIDKey struct{}
