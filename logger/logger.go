// Package logger sets up the process-wide structured logger.
//
// Records fan out to a log file (text or JSON) and, when enabled, to a
// colorized console handler. Both sinks honor the configured level. Each
// session is framed by start and end banners written straight to the sinks.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"climate_monitor/config"
)

// LogLevel constants
const (
	DEBUG = "debug"
	INFO  = "info"
	WARN  = "warn"
	ERROR = "error"
)

const divider = "------------------------------------------------------------"

// Logger wraps the configured slog.Logger and owns the log file.
type Logger struct {
	*slog.Logger
	file    *os.File
	console io.Writer
}

// ParseLevel maps a configured level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New opens the log file and builds the logger described by cfg.
func New(cfg config.LoggingConfig) (*Logger, error) {
	var console io.Writer
	if cfg.LogToConsole {
		console = os.Stdout
	}
	return newLogger(cfg, console)
}

func newLogger(cfg config.LoggingConfig, console io.Writer) (*Logger, error) {
	logPath := cfg.LogFile
	if !filepath.IsAbs(logPath) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		logPath = filepath.Join(cwd, logPath)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	level := ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var fileHandler slog.Handler
	if cfg.Format == "json" {
		fileHandler = slog.NewJSONHandler(file, opts)
	} else {
		fileHandler = slog.NewTextHandler(file, opts)
	}

	handlers := []slog.Handler{fileHandler}
	if console != nil {
		handlers = append(handlers, tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		}))
	}

	l := &Logger{
		Logger:  slog.New(fanout(handlers)),
		file:    file,
		console: console,
	}

	l.banner(fmt.Sprintf("=== Session started at %s ===", time.Now().Format(time.DateTime)),
		fmt.Sprintf("Log file: %s", logPath),
		fmt.Sprintf("Log level: %s", level),
		fmt.Sprintf("Log to console: %t", console != nil),
		divider,
	)
	return l, nil
}

// banner writes lines to every sink regardless of level.
func (l *Logger) banner(lines ...string) {
	text := strings.Join(lines, "\n") + "\n"
	if l.file != nil {
		io.WriteString(l.file, text)
	}
	if l.console != nil {
		io.WriteString(l.console, text)
	}
}

// Close writes the session end banner and closes the log file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.banner(divider, fmt.Sprintf("=== Session ended at %s ===\n", time.Now().Format(time.DateTime)))
	err := l.file.Close()
	l.file = nil
	return err
}

// LogCommand logs the command being executed
func (l *Logger) LogCommand(command string, args []string) {
	l.Info("command executed", "command", command, "args", args)
}

// FileName returns the path of the open log file.
func (l *Logger) FileName() string {
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}

// multiHandler dispatches each record to every handler that accepts its level.
type multiHandler []slog.Handler

func fanout(handlers []slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return multiHandler(handlers)
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
