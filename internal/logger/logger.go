package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口，参数为交替出现的键值对
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Err(err error, msg string, args ...any)
	With(args ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string   // debug / info / warn / error
	Writers []string // console / file
	File    string   // 日志文件路径
	MaxSize int      // 单个文件大小上限（MB）
	Backups int      // 保留的旧文件数量
	MaxAge  int      // 旧文件保留天数
}

// ZeroLogger 基于 zerolog 的实现
type ZeroLogger struct {
	z zerolog.Logger
}

// New 根据配置创建 zerolog 日志
func New(opts Options) *ZeroLogger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			writers = append(writers, newFileWriter(opts))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return &ZeroLogger{z: z}
}

// NewWithWriter 输出到指定 writer（JSON 格式），主要用于测试
func NewWithWriter(w io.Writer, level zerolog.Level) *ZeroLogger {
	return &ZeroLogger{z: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

func newFileWriter(opts Options) io.Writer {
	file := opts.File
	if file == "" {
		file = filepath.Join("logs", "apimocker.log")
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 50
	}
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSize,
		MaxBackups: opts.Backups,
		MaxAge:     opts.MaxAge,
		Compress:   true,
	}
}

func (l *ZeroLogger) Debug(msg string, args ...any) { l.z.Debug().Fields(args).Msg(msg) }
func (l *ZeroLogger) Info(msg string, args ...any) { l.z.Info().Fields(args).Msg(msg) }
func (l *ZeroLogger) Warn(msg string, args ...any) { l.z.Warn().Fields(args).Msg(msg) }
func (l *ZeroLogger) Error(msg string, args ...any) { l.z.Error().Fields(args).Msg(msg) }

// Err 带错误对象的 error 级别日志
func (l *ZeroLogger) Err(err error, msg string, args ...any) {
	l.z.Error().Err(err).Fields(args).Msg(msg)
}

// With 返回附带固定字段的子日志
func (l *ZeroLogger) With(args ...any) Logger {
	return &ZeroLogger{z: l.z.With().Fields(args).Logger()}
}

type nop struct{}

// NewNop 返回丢弃所有输出的日志
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any) {}
func (nop) Warn(string, ...any) {}
func (nop) Error(string, ...any) {}
func (nop) Err(error, string, ...any) {}
func (n nop) With(...any) Logger { return n }
