package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a case-insensitive level name to a LogLevel. Unknown names
// fall back to LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error", "fatal":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface used by every component.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// ZerologAdapter exposes a zerolog.Logger through the Logger interface.
// Key/value pairs are attached as zerolog fields.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter wraps an existing zerolog.Logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// NewConsoleLogger builds a human readable zerolog console logger writing to w
// at the given level.
func NewConsoleLogger(w io.Writer, level LogLevel) *ZerologAdapter {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(zerologLevel(level)).
		With().Timestamp().Logger()
	return NewZerologAdapter(zl)
}

func zerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs a debug message.
func (z *ZerologAdapter) Debug(msg string, args ...any) { z.emit(z.logger.Debug(), msg, args) }

// Info logs an informational message.
func (z *ZerologAdapter) Info(msg string, args ...any) { z.emit(z.logger.Info(), msg, args) }

// Warn logs a warning message.
func (z *ZerologAdapter) Warn(msg string, args ...any) { z.emit(z.logger.Warn(), msg, args) }

// Error logs an error message.
func (z *ZerologAdapter) Error(msg string, args ...any) { z.emit(z.logger.Error(), msg, args) }

func (z *ZerologAdapter) emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			ev = ev.Interface("!BADKEY", args[i])
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

// StructuredLogger wraps slog.Logger adding component scoping and domain
// helpers for model calls and tool executions. With* methods return copies.
type StructuredLogger struct {
	logger    *slog.Logger
	level     LogLevel
	component string
	attrs     []slog.Attr
}

// LoggerConfig configures construction of a StructuredLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout}
}

// NewLogger builds a StructuredLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *StructuredLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &StructuredLogger{logger: slog.New(handler), level: cfg.Level, component: cfg.Component}
}

// NewSlogLogger creates a StructuredLogger writing to stdout.
func NewSlogLogger(level LogLevel, format string, addSource bool) *StructuredLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a copy tagged with the logical component name.
func (l *StructuredLogger) WithComponent(c string) *StructuredLogger {
	nl := *l
	nl.component = c
	return &nl
}

// With returns a copy carrying an extra attribute on every entry.
func (l *StructuredLogger) With(key string, value any) *StructuredLogger {
	nl := *l
	nl.attrs = append(append([]slog.Attr(nil), l.attrs...), slog.Any(key, value))
	return &nl
}

func (l *StructuredLogger) log(level slog.Level, msg string, args []any) {
	if slogLevel(l.level) > level {
		return
	}
	attrs := make([]slog.Attr, 0, len(l.attrs)+1+len(args)/2)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	attrs = append(attrs, l.attrs...)
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(attrs...)
	r.Add(args...)
	_ = l.logger.Handler().Handle(context.Background(), r)
}

// Debug logs at debug level.
func (l *StructuredLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }

// Info logs at info level.
func (l *StructuredLogger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args) }

// Warn logs at warn level.
func (l *StructuredLogger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args) }

// Error logs at error level.
func (l *StructuredLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

// LogToolCall records execution details for a tool invocation on any Logger.
func LogToolCall(l Logger, tool string, attempts int, dur time.Duration, err error) {
	if err != nil {
		l.Error("tool.execution.failed", "tool", tool, "attempts", attempts, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	l.Info("tool.execution.completed", "tool", tool, "attempts", attempts, "duration_ms", dur.Milliseconds())
}

// LogLLMCall records model call latency and outcome on any Logger.
func LogLLMCall(l Logger, endpoint string, model string, dur time.Duration, err error) {
	if err != nil {
		l.Warn("llm.call.failed", "endpoint", endpoint, "model", model, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	l.Info("llm.call.completed", "endpoint", endpoint, "model", model, "duration_ms", dur.Milliseconds())
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}
