package storage

import (
	"context"
	"errors"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"modulant/internal/ctxkeys"
	"modulant/internal/logger"
)

// SlowThreshold 慢查询阈值
const SlowThreshold = 200 * time.Millisecond

// GormLogger 将 gorm 日志转发到项目日志器
type GormLogger struct {
	logger.Logger
	LogLevel gormlogger.LogLevel
}

// NewGormLogger 创建 GormLogger
func NewGormLogger(l logger.Logger) *GormLogger {
	return &GormLogger{
		Logger:   l.With("component", "storage"),
		LogLevel: gormlogger.Warn,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.LogLevel = level
	return &cp
}

// ctxFields 提取上下文中的追踪字段
func ctxFields(ctx context.Context) []any {
	var fields []any
	if v := ctx.Value(ctxkeys.TraceIDKey{}); v != nil {
		fields = append(fields, "traceId", v)
	}
	if v := ctx.Value(ctxkeys.SessionIDKey{}); v != nil {
		fields = append(fields, "session", v)
	}
	return fields
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Info {
		l.Logger.Info(msg, append(ctxFields(ctx), "data", data)...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Warn {
		l.Logger.Warn(msg, append(ctxFields(ctx), "data", data)...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= gormlogger.Error {
		l.Logger.Error(msg, append(ctxFields(ctx), "data", data)...)
	}
}

// Trace 记录 SQL 执行情况，记录不存在不视为错误
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := append(ctxFields(ctx), "sql", sql, "rows", rows, "elapsed", elapsed)

	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.LogLevel >= gormlogger.Error:
		l.Logger.Err(err, "SQL执行错误", fields...)
	case elapsed > SlowThreshold && l.LogLevel >= gormlogger.Warn:
		l.Logger.Warn("慢SQL查询", append(fields, "threshold", SlowThreshold)...)
	case l.LogLevel >= gormlogger.Info:
		l.Logger.Debug("SQL执行", fields...)
	}
}
