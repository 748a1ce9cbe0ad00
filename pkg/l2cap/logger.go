package l2cap

import (
	"io"

	"avaneesh/l2cap-go/pkg/internal/logger"
)

// Logger is the logging interface used by the stack
type Logger = logger.Logger

// LogLevel represents logging level
type LogLevel int

const (
	// LevelDebug shows all log messages (most verbose)
	LevelDebug LogLevel = iota
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn
	// LevelError shows only error messages
	LevelError
)

// ParseLogLevel maps "debug", "info", "warn" or "error" to a LogLevel
func ParseLogLevel(name string) (LogLevel, error) {
	lvl, err := logger.ParseLevel(name)
	return LogLevel(lvl), err
}

// SetLogLevel replaces the package default logger with one at level
func SetLogLevel(level LogLevel) {
	logger.SetDefault(logger.NewDefaultLogger(logger.Level(level)))
}

// NewLogger returns a logger writing to w
func NewLogger(w io.Writer, level LogLevel) Logger {
	return logger.NewWriterLogger(w, logger.Level(level))
}

// NoOpLogger returns a logger that discards everything
func NoOpLogger() Logger {
	return logger.NewNoOpLogger()
}

// EnableFrameDebug enables or disables hex dumps of every frame sent and
// received
func EnableFrameDebug(enable bool) {
	logger.SetFrameDebug(enable)
}
