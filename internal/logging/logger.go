// Package logging is the slog setup shared by the manager and every privsep
// child. All processes usually write to the same stderr, so each line names
// the process title and pid it came from.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level is a log severity.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger scopes slog output to a component and fields.
type Logger struct {
	*slog.Logger
}

// Config selects the output format.
type Config struct {
	Level  Level
	Output io.Writer
	// JSON writes one object per record with process and pid fields.
	JSON bool
	// Timestamps prefixes console lines with the time. Service managers
	// usually stamp lines themselves.
	Timestamps bool
}

// New creates a Logger writing to cfg.Output, stderr by default.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.JSON {
		h := slog.NewJSONHandler(out, opts).WithAttrs([]slog.Attr{
			slog.String("process", Prefix()),
			slog.Int("pid", os.Getpid()),
		})
		return &Logger{slog.New(h)}
	}
	h := NewConsoleHandler(out, opts)
	h.timestamps = cfg.Timestamps
	return &Logger{slog.New(h)}
}

var (
	mu  sync.RWMutex
	std *Logger
)

// Default returns the process logger. Until Setup or SetDefault runs it
// logs at info level to stderr.
func Default() *Logger {
	mu.RLock()
	l := std
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if std == nil {
		std = New(Config{Level: LevelInfo})
	}
	return std
}

// SetDefault replaces the process logger.
func SetDefault(l *Logger) {
	mu.Lock()
	std = l
	mu.Unlock()
}

// Setup configures the process logger for one process of the tree: title
// names it in every line and level is a config string such as "debug".
func Setup(title, level string, json bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	SetPrefix(title)
	SetDefault(New(Config{Level: lvl, Output: os.Stderr, JSON: json}))
	return nil
}

// WithComponent returns a logger tagged with component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}

// WithFields returns a logger carrying fields on every record.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{l.Logger.With(args...)}
}

// ParseLevel maps a config string to a Level. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// WithComponent returns the process logger tagged with component.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
