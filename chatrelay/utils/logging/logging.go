package logging

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	AppLogger     *zap.Logger = zap.NewNop()
	RequestLogger *zap.Logger = zap.NewNop()
	TimerLogger   *zap.Logger = zap.NewNop()
	ErrorLogger   *zap.Logger = zap.NewNop()
)

type ctxKey string

// ConnIDKey carries the websocket connection id through a request context.
const ConnIDKey ctxKey = "conn_id"

// ensureLogsDir makes sure the log folder exists
func ensureLogsDir(dir string) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		panic("Failed to create logs directory: " + err.Error())
	}
}

func rotating(dir, name string, maxSize, maxAge int) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename: filepath.Join(dir, name), MaxSize: maxSize, MaxAge: maxAge, Compress: true,
	})
}

// InitLogger wires the four rotating log files under dir.
func InitLogger(dir string) {
	if dir == "" {
		dir = "./logs"
	}
	ensureLogsDir(dir)
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	// app.log also mirrors to stdout so the process is observable under a supervisor
	appCore := zapcore.NewTee(
		zapcore.NewCore(encoder, rotating(dir, "app.log", 100, 28), zap.InfoLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.InfoLevel),
	)
	AppLogger = zap.New(appCore)

	RequestLogger = zap.New(zapcore.NewCore(encoder, rotating(dir, "request.log", 50, 7), zap.InfoLevel))
	TimerLogger = zap.New(zapcore.NewCore(encoder, rotating(dir, "timer.log", 50, 7), zap.InfoLevel))
	ErrorLogger = zap.New(zapcore.NewCore(encoder, rotating(dir, "error.log", 100, 30), zap.ErrorLevel))
}

// UseNop discards all log output.
func UseNop() {
	AppLogger = zap.NewNop()
	RequestLogger = zap.NewNop()
	TimerLogger = zap.NewNop()
	ErrorLogger = zap.NewNop()
}

// Sync flushes every logger; errors from syncing stdout are ignored.
func Sync() {
	for _, l := range []*zap.Logger{AppLogger, RequestLogger, TimerLogger, ErrorLogger} {
		_ = l.Sync()
	}
}

// LogDuration lets you do: defer logging.LogDuration(ctx, "FuncName")()
func LogDuration(ctx context.Context, name string) func() {
	start := time.Now()

	connID, _ := ctx.Value(ConnIDKey).(string)

	return func() {
		duration := time.Since(start).Milliseconds()
		fields := []zap.Field{
			zap.String("func", name),
			zap.Int64("duration_ms", duration),
		}
		if connID != "" {
			fields = append(fields, zap.String("conn_id", connID))
		}

		// write ONLY to timer.log
		TimerLogger.Info("Function timed", fields...)
	}
}
