// Package logger provides the structured logging facade used across hitcapture.
//
// Messages are written through zerolog. Key/value pairs follow the message and
// must alternate string keys and arbitrary values:
//
//	log.Info("session started", "port", 8080, "mitm", true)
//
// A rotating log file can be enabled through Options.File, backed by lumberjack.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging interface accepted by every hitcapture component
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// With returns a logger that adds kv to every message
	With(kv ...any) Logger
}

// Options configures a zerolog-backed logger
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Console receives human-readable output. Nil disables console output.
	Console io.Writer
	// NoColor disables ANSI colors on the console
	NoColor bool
	// File, when set, receives JSON lines rotated by size
	File string
	// MaxSizeMB is the rotation threshold for File. Defaults to 10.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Defaults to 3.
	MaxBackups int
}

type zlogger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// New creates a logger from opts
func New(opts Options) Logger {
	var writers []io.Writer
	var closer io.Closer
	if opts.Console != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        opts.Console,
			NoColor:    opts.NoColor,
			TimeFormat: "15:04:05.000",
		})
	}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if len(writers) == 0 {
		return NewNop()
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	zl := zerolog.New(w).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
	return &zlogger{zl: zl, closer: closer}
}

// NewConsole is shorthand for a stderr console logger at the given level
func NewConsole(level string, noColor bool) Logger {
	return New(Options{Level: level, Console: os.Stderr, NoColor: noColor})
}

// NewWriter writes JSON lines to w; useful in tests
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
	return &zlogger{zl: zl}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func (l *zlogger) Debug(msg string, kv ...any) { l.emit(l.zl.Debug(), msg, kv) }
func (l *zlogger) Info(msg string, kv ...any)  { l.emit(l.zl.Info(), msg, kv) }
func (l *zlogger) Warn(msg string, kv ...any)  { l.emit(l.zl.Warn(), msg, kv) }
func (l *zlogger) Error(msg string, kv ...any) { l.emit(l.zl.Error(), msg, kv) }

func (l *zlogger) With(kv ...any) Logger {
	return &zlogger{zl: l.zl.With().Fields(normalize(kv)).Logger(), closer: l.closer}
}

// Close flushes and closes the rotating file, if any
func (l *zlogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *zlogger) emit(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	if len(kv) > 0 {
		ev = ev.Fields(normalize(kv))
	}
	ev.Msg(msg)
}

// normalize makes kv safe for zerolog: errors become strings and a dangling
// key gets an empty value
func normalize(kv []any) []any {
	out := make([]any, 0, len(kv)+1)
	for i := 0; i < len(kv); i++ {
		v := kv[i]
		if i%2 == 0 {
			if _, ok := v.(string); !ok {
				v = "!badkey"
			}
		} else if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		out = append(out, v)
	}
	if len(out)%2 != 0 {
		out = append(out, "")
	}
	return out
}

type nop struct{}

// NewNop returns a logger that discards everything
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}

func (n nop) With(...any) Logger { return n }

// Close closes l if it owns a log file
func Close(l Logger) error {
	if c, ok := l.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
