package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口，键值对形式的结构化字段
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// Err 记录带错误对象的错误日志
	Err(err error, msg string, kv ...any)
	// With 返回附加固定字段的子日志器
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string   // debug/info/warn/error
	Writers []string // console/file
	File    string   // 日志文件路径
	MaxSize int      // 单个文件最大MB
	Backups int      // 保留旧文件数量
	MaxAge  int      // 保留天数
}

type zlog struct {
	z zerolog.Logger
}

// New 根据配置创建基于 zerolog 的日志器
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writers {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := opts.File
			if file == "" {
				file = "logs/modulant.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    orDefault(opts.MaxSize, 50),
				MaxBackups: orDefault(opts.Backups, 5),
				MaxAge:     orDefault(opts.MaxAge, 30),
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	return NewWithWriter(io.MultiWriter(writers...), opts.Level)
}

// NewWithWriter 使用指定输出创建日志器
func NewWithWriter(w io.Writer, level string) Logger {
	z := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	return &zlog{z: z}
}

// NewNop 创建丢弃所有输出的日志器
func NewNop() Logger {
	return &zlog{z: zerolog.Nop()}
}

func (l *zlog) Debug(msg string, kv ...any) { l.z.Debug().Fields(kv).Msg(msg) }
func (l *zlog) Info(msg string, kv ...any)  { l.z.Info().Fields(kv).Msg(msg) }
func (l *zlog) Warn(msg string, kv ...any)  { l.z.Warn().Fields(kv).Msg(msg) }
func (l *zlog) Error(msg string, kv ...any) { l.z.Error().Fields(kv).Msg(msg) }

func (l *zlog) Err(err error, msg string, kv ...any) {
	l.z.Error().Err(err).Fields(kv).Msg(msg)
}

func (l *zlog) With(kv ...any) Logger {
	return &zlog{z: l.z.With().Fields(kv).Logger()}
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	lv, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lv
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
