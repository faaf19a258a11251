package storage

import (
	"context"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"apimocker/internal/logger"
)

// SlowQueryThreshold 超过该耗时的 SQL 记为慢查询
const SlowQueryThreshold = 200 * time.Millisecond

type traceIDKey struct{}

// WithTraceID 在上下文中附带追踪 ID，SQL 日志会带上它
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// TraceID 读取追踪 ID
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// GormLogger 将 gorm 日志接入项目日志
type GormLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

// NewGormLogger 默认只输出告警及以上
func NewGormLogger(l logger.Logger) *GormLogger {
	if l == nil {
		l = logger.NewNop()
	}
	return &GormLogger{log: l, level: gormlogger.Warn}
}

func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(msg, "traceId", TraceID(ctx), "data", data)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(msg, "traceId", TraceID(ctx), "data", data)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(msg, "traceId", TraceID(ctx), "data", data)
	}
}

// Trace 记录 SQL：出错记 error，慢查询记 warn，Info 级别下其余记 debug
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"traceId", TraceID(ctx),
		"sql", sql,
		"rows", rows,
		"elapsed", elapsed,
	}
	switch {
	case err != nil && err != gormlogger.ErrRecordNotFound && g.level >= gormlogger.Error:
		g.log.Err(err, "SQL执行错误", fields...)
	case elapsed > SlowQueryThreshold && g.level >= gormlogger.Warn:
		g.log.Warn("慢SQL查询", append(fields, "threshold", SlowQueryThreshold)...)
	case g.level >= gormlogger.Info:
		g.log.Debug("SQL执行", fields...)
	}
}
