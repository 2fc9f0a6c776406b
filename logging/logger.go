// Package logging provides structured logging for the sync engine on top of
// log/slog, with optional rotating file output.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/c0deZ3R0/go-crm-sync/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level" mapstructure:"level" toml:"level"`                         // trace, debug, info, warn, error
	Format      string `json:"format" yaml:"format" mapstructure:"format" toml:"format"`                     // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source" mapstructure:"add_source" toml:"add_source"`     // whether to add source code information
	Environment string `json:"environment" yaml:"environment" mapstructure:"environment" toml:"environment"` // development, production, test

	// File, when set, sends output to a rotating log file instead of stderr.
	File       string `json:"file" yaml:"file" mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" mapstructure:"max_age_days" toml:"max_age_days"`

	// Output overrides the destination entirely. Used by tests.
	Output io.Writer `json:"-" yaml:"-" mapstructure:"-" toml:"-"`
}

// Default configuration
var DefaultConfig = Config{
	Level:       "info",
	Format:      "text",
	AddSource:   false,
	Environment: EnvProduction,
	MaxSizeMB:   50,
	MaxBackups:  3,
	MaxAgeDays:  28,
}

var defaultLogger *Logger

// Operation is logged under the "operation" key.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component is logged under the "component" key.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer provides structured logging for SyncError
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", string(e.Code)))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if len(e.Metadata) > 0 {
		meta := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(meta...)))
	}
	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "trace":
		return slog.Level(LevelTrace)
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// writer resolves where log lines go for config.
func (c Config) writer() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	if c.File != "" {
		return &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   true,
		}
	}
	return os.Stderr
}

func newHandler(config Config, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	if config.Format == "json" {
		return slog.NewJSONHandler(config.writer(), opts)
	}
	return slog.NewTextHandler(config.writer(), opts)
}

// NewLogger creates a new logger with the provided configuration
func NewLogger(config Config) *Logger {
	return &Logger{Logger: slog.New(newHandler(config, ParseLevel(config.Level)))}
}

// Init initializes the global logger with the provided configuration
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger instance
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithCollection tags every record with the collection being synced.
func (l *Logger) WithCollection(collectionID string) *Logger {
	return &Logger{Logger: l.With(slog.String("collection", collectionID))}
}

// WithPass tags every record with the id of a single poll or propagation pass.
func (l *Logger) WithPass(passID string) *Logger {
	return &Logger{Logger: l.With(slog.String("pass_id", passID))}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)

	var syncErr *errors.SyncError
	if errors.As(err, &syncErr) {
		args = append(args, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		args = append(args, slog.Group("caller",
			slog.String("file", file),
			slog.Int("line", line),
			slog.String("function", runtime.FuncForPC(pc).Name()),
		))
	}

	for _, a := range attrs {
		args = append(args, a)
	}
	l.ErrorContext(ctx, msg, args...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)
	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)
	if err != nil {
		opLogger.LogError(ctx, err, "operation failed", slog.Duration("duration", duration))
		return err
	}

	opLogger.InfoContext(ctx, "operation completed", slog.Duration("duration", duration))
	return nil
}

func attrArgs(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

// Convenience functions that use the default logger.

func Debug(msg string, attrs ...slog.Attr) { Default().Debug(msg, attrArgs(attrs)...) }
func Info(msg string, attrs ...slog.Attr) { Default().Info(msg, attrArgs(attrs)...) }
func Warn(msg string, attrs ...slog.Attr) { Default().Warn(msg, attrArgs(attrs)...) }
func Error(msg string, attrs ...slog.Attr) { Default().Error(msg, attrArgs(attrs)...) }

func LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	Default().LogError(ctx, err, msg, attrs...)
}

func WithOperation(op Operation) *Logger {
	return Default().WithOperation(op)
}

func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
