package logger

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lk2023060901/flock/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Logger = (*BaseLogger)(nil)

// BaseLogger 基于 zap 的日志记录器实现
type BaseLogger struct {
	*zap.Logger
	config           *Config
	contextExtractor ContextFieldExtractor
}

// Option 配置选项
type Option func(*options)

type options struct {
	writer io.Writer
	name   string
}

// WithWriter 将输出重定向到指定 writer，替代控制台与文件输出
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithName 设置 logger 名称
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// New 创建新的 BaseLogger
func New(cfg *Config, opts ...Option) (*BaseLogger, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	extractor := merged.ContextExtractor
	if extractor == nil {
		extractor = DefaultContextExtractor
	}

	zl, err := build(merged, &o)
	if err != nil {
		return nil, err
	}

	return &BaseLogger{
		Logger:           zl,
		config:           merged,
		contextExtractor: extractor,
	}, nil
}

// build 构建 zap logger
func build(cfg *Config, o *options) (*zap.Logger, error) {
	encoderConfig := buildEncoderConfig(cfg)

	var encoder zapcore.Encoder
	if cfg.Format == ConsoleFormat {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writers := make([]zapcore.WriteSyncer, 0, 2)
	if o.writer != nil {
		writers = append(writers, zapcore.AddSync(o.writer))
	} else {
		if cfg.EnableConsole {
			writers = append(writers, zapcore.AddSync(os.Stdout))
		}
		if cfg.EnableFile {
			fw, err := NewRotationWriter(&cfg.Rotation, cfg.OutputPath)
			if err != nil {
				return nil, fmt.Errorf("failed to create rotation writer: %w", err)
			}
			writers = append(writers, zapcore.AddSync(fw))
		}
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), parseLevel(cfg.Level))

	if cfg.EnableSampling {
		core = zapcore.NewSamplerWithOptions(core, 1e9, cfg.SamplingInitial, cfg.SamplingThereafter)
	}

	zapOpts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.EnableStacktrace {
		zapOpts = append(zapOpts, zap.AddStacktrace(parseLevel(cfg.StacktraceLevel)))
	}
	if cfg.Development {
		zapOpts = append(zapOpts, zap.Development())
	}

	zl := zap.New(core, zapOpts...)

	if len(cfg.GlobalFields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.GlobalFields))
		for k, v := range cfg.GlobalFields {
			fields = append(fields, zap.Any(k, v))
		}
		zl = zl.With(fields...)
	}
	if o.name != "" {
		zl = zl.Named(o.name)
	}
	return zl, nil
}

func buildEncoderConfig(cfg *Config) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.TimeFormat != "" {
		ec.EncodeTime = zapcore.TimeEncoderOfLayout(cfg.TimeFormat)
	} else {
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if cfg.Development && cfg.Format == ConsoleFormat {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return ec
}

func parseLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Debug 记录 debug 级别日志
func (l *BaseLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug(msg, toZapFields(keysAndValues...)...)
}

// Info 记录 info 级别日志
func (l *BaseLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, toZapFields(keysAndValues...)...)
}

// Warn 记录 warn 级别日志
func (l *BaseLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn(msg, toZapFields(keysAndValues...)...)
}

// Error 记录 error 级别日志
func (l *BaseLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error(msg, toZapFields(keysAndValues...)...)
}

func (l *BaseLogger) DebugContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Debug(msg, l.withContext(ctx, keysAndValues)...)
}

func (l *BaseLogger) InfoContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, l.withContext(ctx, keysAndValues)...)
}

func (l *BaseLogger) WarnContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Warn(msg, l.withContext(ctx, keysAndValues)...)
}

func (l *BaseLogger) ErrorContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.Logger.Error(msg, l.withContext(ctx, keysAndValues)...)
}

func (l *BaseLogger) withContext(ctx context.Context, keysAndValues []interface{}) []zap.Field {
	return append(l.contextExtractor(ctx), toZapFields(keysAndValues...)...)
}

// Named 创建具名 logger
func (l *BaseLogger) Named(name string) Logger {
	return &BaseLogger{
		Logger:           l.Logger.Named(name),
		config:           l.config,
		contextExtractor: l.contextExtractor,
	}
}

// WithFields 添加字段
func (l *BaseLogger) WithFields(keysAndValues ...interface{}) Logger {
	fields := toZapFields(keysAndValues...)
	if len(fields) == 0 {
		return l
	}
	return &BaseLogger{
		Logger:           l.Logger.With(fields...),
		config:           l.config,
		contextExtractor: l.contextExtractor,
	}
}

// Sync 同步日志
func (l *BaseLogger) Sync() error {
	return l.Logger.Sync()
}

// toZapFields 将 key-value 对转换为 zap.Field，也接受直接传入的 zap.Field
func toZapFields(keysAndValues ...interface{}) []zap.Field {
	if len(keysAndValues) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i++ {
		switch v := keysAndValues[i].(type) {
		case zap.Field:
			fields = append(fields, v)
		case string:
			if i+1 >= len(keysAndValues) {
				fields = append(fields, zap.Any("!BADKEY", v))
				continue
			}
			if err, ok := keysAndValues[i+1].(error); ok && v == "error" {
				fields = append(fields, zap.Error(err))
			} else {
				fields = append(fields, zap.Any(v, keysAndValues[i+1]))
			}
			i++
		default:
			fields = append(fields, zap.Any("!BADKEY", v))
		}
	}
	return fields
}
