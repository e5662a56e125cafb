package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/phsym/console-slog"
)

// Options configure New
type Options struct {
	// Enabled turns logging on; a disabled logger is Nop
	Enabled bool `json:"enabled" koanf:"enabled" yaml:"enabled"`

	// File, if set, receives JSON records in append mode
	File string `json:"file" koanf:"file" yaml:"file"`

	// Level is debug, info, warn or error
	Level string `json:"level" koanf:"level" yaml:"level"`

	// Console selects the human readable handler instead of JSON when
	// writing to the terminal
	Console bool `json:"console" koanf:"console" yaml:"console"`

	// Performance enables per-frame timing records at debug level
	Performance bool `json:"performance" koanf:"performance" yaml:"performance"`

	// AddSource annotates records with the caller's file and line
	AddSource bool `json:"addSource" koanf:"addsource" yaml:"addsource"`
}

// SlogLogger is a Logger backed by log/slog
type SlogLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewSlog returns a logger writing to w.  console selects the console-slog
// handler, otherwise records are JSON.
func NewSlog(w io.Writer, level Level, console bool, addSource bool) *SlogLogger {
	inst := &SlogLogger{level: &slog.LevelVar{}}
	inst.level.Set(toSlogLevel(level))

	var handler slog.Handler
	if console {
		handler = newConsoleHandler(w, inst.level, addSource)
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: addSource,
			Level:     inst.level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
	}
	inst.logger = slog.New(handler)
	return inst
}

func newConsoleHandler(w io.Writer, lv *slog.LevelVar, addSource bool) slog.Handler {
	return console.NewHandler(w, &console.HandlerOptions{
		AddSource:  addSource,
		Level:      lv,
		TimeFormat: time.TimeOnly,
	})
}

// New builds a Logger from opts.  The returned closer releases the log file
// and is never nil.
func New(opts Options) (Logger, io.Closer, error) {
	if !opts.Enabled {
		return Nop(), nopCloser{}, nil
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	if opts.Performance && level > DebugLevel {
		level = DebugLevel
	}
	if opts.File == "" {
		return NewSlog(os.Stderr, level, opts.Console, opts.AddSource), nopCloser{}, nil
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return NewSlog(f, level, false, opts.AddSource), f, nil
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, keysAndValues...)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, keysAndValues...)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelError, msg, keysAndValues...)
}

func (l *SlogLogger) With(keyValues ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(keyValues...),
		level:  l.level,
	}
}

func (l *SlogLogger) Level() Level {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DebugLevel
	case lv <= slog.LevelInfo:
		return InfoLevel
	case lv <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func (l *SlogLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level.Set(toSlogLevel(level))
}

// log must always be called directly by an exported logging method because
// it uses a fixed call depth to obtain the pc.
func (l *SlogLogger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !l.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	// skip [runtime.Callers, this function, this function's caller]
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.logger.Handler().Handle(ctx, r)
}

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
