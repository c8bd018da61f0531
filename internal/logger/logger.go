package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L is the process logger. It discards everything until Init is called.
var L = zap.NewNop()

// Init builds the production JSON logger at the given level. Unknown or empty
// levels fall back to info.
func Init(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	L = built
	return nil
}

// Sync flushes buffered entries
func Sync() {
	_ = L.Sync()
}

// ForConnection returns a child logger carrying the connection and user identity
func ForConnection(connectionID, userID string) *zap.Logger {
	return L.With(
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
	)
}

// WithTrace appends trace_id and span_id when ctx carries a valid span
func WithTrace(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	return append(fields,
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

func logWithTrace(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := L.Check(lvl, msg); ce != nil {
		ce.Write(WithTrace(ctx, fields...)...)
	}
}

func InfoWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.InfoLevel, msg, fields)
}

func ErrorWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.ErrorLevel, msg, fields)
}

func WarnWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.WarnLevel, msg, fields)
}

// DebugWithTrace skips building trace fields when debug is disabled
func DebugWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	logWithTrace(ctx, zapcore.DebugLevel, msg, fields)
}
