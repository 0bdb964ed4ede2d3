package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes across the course of an operation so
// call sites can log with the full set without re-threading them manually.
// Safe for concurrent use.
type LoggerContext struct {
	mu   sync.Mutex
	base *Logger
}

// NewLoggerContext constructs a LoggerContext around the provided logger.
func NewLoggerContext(base *Logger) *LoggerContext {
	return &LoggerContext{base: base}
}

// Add appends key/value attributes that every subsequent log call includes.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.base = lc.base.With(args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger().Debugc(ctx, 4, msg, args...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger().Infoc(ctx, 4, msg, args...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger().Warnc(ctx, 4, msg, args...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger().Errorc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) logger() *Logger {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.base
}
