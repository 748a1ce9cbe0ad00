package logger

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level represents logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns string representation of Level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a Level.
func ParseLevel(name string) (Level, error) {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return LevelInfo, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	switch lvl {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return LevelDebug, nil
	case zerolog.WarnLevel:
		return LevelWarn, nil
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return LevelError, nil
	default:
		return LevelInfo, nil
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger is the interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	SetLevel(level Level)
}

// DefaultLogger writes leveled messages through zerolog
type DefaultLogger struct {
	zl zerolog.Logger
}

// NewDefaultLogger creates a logger writing human readable output to stdout
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewWriterLogger(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, level)
}

// NewWriterLogger creates a logger on top of an arbitrary writer.
// Passing a plain io.Writer produces JSON lines.
func NewWriterLogger(w io.Writer, level Level) *DefaultLogger {
	zl := zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
	return &DefaultLogger{zl: zl}
}

// With returns a child logger that tags every message with key=value
func (l *DefaultLogger) With(key, value string) *DefaultLogger {
	return &DefaultLogger{zl: l.zl.With().Str(key, value).Logger()}
}

// With tags log with key=value when it supports fields, and returns it
// unchanged otherwise
func With(log Logger, key, value string) Logger {
	if dl, ok := log.(*DefaultLogger); ok {
		return dl.With(key, value)
	}
	return log
}

// Debug logs debug message
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// Info logs info message
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Warn logs warning message
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs error message
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// SetLevel sets the logging level
func (l *DefaultLogger) SetLevel(level Level) {
	l.zl = l.zl.Level(level.zerolog())
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that doesn't log
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug does nothing
func (l *NoOpLogger) Debug(format string, args ...interface{}) {}

// Info does nothing
func (l *NoOpLogger) Info(format string, args ...interface{}) {}

// Warn does nothing
func (l *NoOpLogger) Warn(format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(format string, args ...interface{}) {}

// SetLevel does nothing
func (l *NoOpLogger) SetLevel(level Level) {}

// Global default logger
var defaultLogger Logger = NewDefaultLogger(LevelInfo)

var frameDebug atomic.Bool

// SetDefault sets the default logger
func SetDefault(logger Logger) {
	defaultLogger = logger
}

// GetDefault returns the default logger
func GetDefault() Logger {
	return defaultLogger
}

// SetFrameDebug turns hex dumps of every frame on or off
func SetFrameDebug(enable bool) {
	frameDebug.Store(enable)
}

// FrameDebug reports whether frame dumps are enabled
func FrameDebug() bool {
	return frameDebug.Load()
}

// LogFrame dumps a frame at debug level when frame debugging is on.
// dir is a short tag such as "TX" or "RX".
func LogFrame(log Logger, dir string, link uint16, data []byte) {
	if !frameDebug.Load() || log == nil {
		return
	}
	log.Debug("%s link=0x%04X len=%d\n%s", dir, link, len(data), hex.Dump(data))
}

// Debug logs debug message using default logger
func Debug(format string, args ...interface{}) {
	defaultLogger.Debug(format, args...)
}

// Info logs info message using default logger
func Info(format string, args ...interface{}) {
	defaultLogger.Info(format, args...)
}

// Warn logs warning message using default logger
func Warn(format string, args ...interface{}) {
	defaultLogger.Warn(format, args...)
}

// Error logs error message using default logger
func Error(format string, args ...interface{}) {
	defaultLogger.Error(format, args...)
}
