package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzzap "github.com/hertz-contrib/logger/zap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"CampusSOS/config"
)

// Logger 默认为 Nop，Init 之前组件也可以安全写日志
var (
	Logger   = zap.NewNop()
	level    = zap.NewAtomicLevel()
	logClose io.Closer
)

// Init 按配置构建 zap logger，并同时接管 hertz 的 hlog 输出
func Init() {
	cfg := config.Cfg
	level.SetLevel(parseLevel(cfg.LoggerLevel))

	hzLogger := hertzzap.NewLogger(
		hertzzap.WithCoreEnc(newEncoder(cfg.LoggerFormat, cfg.IsDevelopment())),
		hertzzap.WithCoreWs(newWriteSyncer(cfg.LoggerOutputPath)),
		hertzzap.WithCoreLevel(level),
		hertzzap.WithZapOptions(
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
			zap.Fields(
				zap.String("service", cfg.ServiceName),
				zap.String("device_id", cfg.DeviceID),
			),
		),
	)
	hlog.SetLogger(hzLogger)
	hlog.SetLevel(hlogLevel(level.Level()))

	Logger = hzLogger.Logger()
	Logger.Info("Logger initialized",
		zap.String("level", level.Level().CapitalString()),
		zap.String("format", cfg.LoggerFormat),
		zap.String("output", cfg.LoggerOutputPath),
		zap.String("environment", cfg.Environment),
	)
}

// Named 返回带组件名的子 logger
func Named(component string) *zap.Logger {
	return Logger.With(zap.String("component", component))
}

// WithContext 附带 ctx 中的 trace_id / span_id
func WithContext(ctx context.Context, l *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// SetLevel 运行时调整日志级别
func SetLevel(l string) {
	level.SetLevel(parseLevel(l))
	hlog.SetLevel(hlogLevel(level.Level()))
}

func Sync() {
	_ = Logger.Sync()

	if logClose != nil {
		_ = logClose.Close()
		logClose = nil
	}
}

func newEncoder(format string, development bool) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder

	if development || strings.EqualFold(format, "text") {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}

	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// newWriteSyncer stdout / stderr 或追加写入文件，文件打不开时退回 stderr
func newWriteSyncer(path string) zapcore.WriteSyncer {
	switch strings.ToLower(path) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		os.Stderr.WriteString("logger: failed to open " + path + ": " + err.Error() + ", falling back to stderr\n")
		return zapcore.Lock(os.Stderr)
	}
	logClose = file
	return zapcore.AddSync(file)
}

func parseLevel(l string) zapcore.Level {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(strings.ToLower(l))); err != nil {
		return zapcore.InfoLevel
	}
	return lv
}

func hlogLevel(l zapcore.Level) hlog.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return hlog.LevelDebug
	case l == zapcore.InfoLevel:
		return hlog.LevelInfo
	case l == zapcore.WarnLevel:
		return hlog.LevelWarn
	default:
		return hlog.LevelError
	}
}
