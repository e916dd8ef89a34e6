package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	PanicLevel = zapcore.PanicLevel
	FatalLevel = zapcore.FatalLevel
)

type Option = zap.Option

var (
	AddCaller     = zap.AddCaller
	AddCallerSkip = zap.AddCallerSkip
	AddStacktrace = zap.AddStacktrace
)

type Field = zap.Field

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Uint8    = zap.Uint8
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Duration = zap.Duration
	Stringer = zap.Stringer
	Any      = zap.Any
	Err      = zap.Error
)

type Logger struct {
	l  *zap.Logger
	al *zap.AtomicLevel
}

func New(out io.Writer, level Level, opts ...Option) *Logger {
	if out == nil {
		out = os.Stderr
	}

	al := zap.NewAtomicLevelAt(level)

	core := zapcore.NewCore(
		GetEncoder(),
		zapcore.AddSync(out),
		al,
	)
	return &Logger{l: zap.New(core, opts...), al: &al}
}

// FileConfig 日志文件切割参数
type FileConfig struct {
	Filename   string `yaml:"filename" mapstructure:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// NewFile 写入按大小切割的日志文件，同时可选输出到stderr
func NewFile(cfg FileConfig, level Level, alsoStderr bool, opts ...Option) *Logger {
	var out io.Writer = &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	if alsoStderr {
		out = io.MultiWriter(out, os.Stderr)
	}
	return New(out, level, opts...)
}

// ParseLevel 解析日志级别名称，如 "debug"、"info"
func ParseLevel(s string) (Level, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return InfoLevel, errors.Wrapf(err, "invalid log level %q", s)
	}
	return lvl, nil
}

// 自定义Encoder
func GetEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(
		zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller_line",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding, // 默认换行符"\n"
			EncodeLevel:    cEncodeLevel,
			EncodeTime:     cEncodeTime,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   cEncodeCaller,
			EncodeName:     cEncodeName,
		})
}

// 自定义日志级别显示
func cEncodeLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

// 自定义时间格式显示
func cEncodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	var logTmFmt = "2006-01-02 15:04:05"
	enc.AppendString("[" + t.Format(logTmFmt) + "]")
}

// 自定义行号显示
func cEncodeCaller(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + caller.TrimmedPath() + "]")
}

func cEncodeName(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("<" + name + ">")
}

func (l *Logger) SetLevel(level Level) {
	if l.al != nil {
		l.al.SetLevel(level)
	}
}

func (l *Logger) Enabled(level Level) bool {
	return l.l.Core().Enabled(level)
}

// With 返回附带固定字段的子日志器，共享级别
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{l: l.l.With(fields...), al: l.al}
}

// Named 返回带名称的子日志器
func (l *Logger) Named(name string) *Logger {
	return &Logger{l: l.l.Named(name), al: l.al}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.l.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.l.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.l.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.l.Error(msg, fields...)
}

func (l *Logger) Panic(msg string, fields ...Field) {
	l.l.Panic(msg, fields...)
}

func (l *Logger) Fatal(msg string, fields ...Field) {
	l.l.Fatal(msg, fields...)
}

func (l *Logger) Sync() error {
	return l.l.Sync()
}

// Nop 丢弃所有输出
func Nop() *Logger {
	al := zap.NewAtomicLevelAt(FatalLevel)
	return &Logger{l: zap.NewNop(), al: &al}
}

var std = New(os.Stderr, InfoLevel, AddCaller(), AddCallerSkip(1))

func Default() *Logger         { return std }
func ReplaceDefault(l *Logger) { std = l }

func SetLevel(level Level) { std.SetLevel(level) }

func Debug(msg string, fields ...Field) { std.l.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { std.l.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { std.l.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { std.l.Error(msg, fields...) }
func Panic(msg string, fields ...Field) { std.l.Panic(msg, fields...) }
func Fatal(msg string, fields ...Field) { std.l.Fatal(msg, fields...) }

func Sync() error { return std.Sync() }
