package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Streaming pipeline component identifiers.
const (
	ComponentPool     Component = "pool"
	ComponentQueue    Component = "queue"
	ComponentStream   Component = "stream"
	ComponentDecoder  Component = "decoder"
	ComponentDispatch Component = "dispatch"
	ComponentHAL      Component = "hal"
	ComponentIODev    Component = "iodev"
	ComponentApp      Component = "app"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

func (f LogFormat) String() string {
	if f == LogFormatJSON {
		return "json"
	}
	return "text"
}

var (
	// DefaultLogger is the logger every Log* helper writes through.
	DefaultLogger *slog.Logger

	logLevel  = new(slog.LevelVar)
	logFormat = LogFormatText

	logOutput io.Writer = os.Stderr

	// logMutex protects DefaultLogger, logFormat and logOutput.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(newHandler(logOutput, logFormat, &slog.HandlerOptions{Level: logLevel}))
}

func newHandler(w io.Writer, format LogFormat, opts *slog.HandlerOptions) slog.Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	if format == LogFormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetLogLevel sets the minimum level of the default logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum level.
func GetLogLevel() slog.Level {
	return logLevel.Level()
}

// SetLogger replaces the default logger. A nil logger discards everything.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logMutex.Lock()
	DefaultLogger = logger
	logMutex.Unlock()
}

// SetLogFormat rebuilds the default logger with format, keeping the current
// output and level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logFormat = format
	DefaultLogger = slog.New(newHandler(logOutput, format, nil))
}

// SetLogOutput rebuilds the default logger to write to w, keeping the
// current format and level.
func SetLogOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logOutput = w
	DefaultLogger = slog.New(newHandler(w, logFormat, nil))
}

// NewLogger creates a text logger writing to w. A nil opts follows the
// package level.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(newHandler(w, LogFormatText, opts))
}

// NewJSONLogger creates a JSON logger writing to w. A nil opts follows the
// package level.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(newHandler(w, LogFormatJSON, opts))
}

// ParseLogLevel converts a level name (debug, info, warn, error) to a
// slog.Level. Unknown names map to LevelWarn.
func ParseLogLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelWarn
	}
	return level
}

// ParseLogFormat converts a format name (text, json) to a LogFormat.
func ParseLogFormat(name string) LogFormat {
	if strings.EqualFold(name, "json") {
		return LogFormatJSON
	}
	return LogFormatText
}

func currentLogger() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

// Logger returns the default logger tagged with component. The result does
// not follow later SetLogger calls.
func Logger(component Component) *slog.Logger {
	return currentLogger().With("component", string(component))
}

// LogEnabled reports whether the default logger emits records at level.
// Per-sample callers check it before building attributes.
func LogEnabled(level slog.Level) bool {
	return currentLogger().Enabled(context.Background(), level)
}

// Log logs a message at level with the given component.
func Log(level slog.Level, component Component, msg string, args ...any) {
	logger := currentLogger()
	ctx := context.Background()
	if !logger.Enabled(ctx, level) {
		return
	}
	logger.Log(ctx, level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	Log(slog.LevelDebug, component, msg, args...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	Log(slog.LevelInfo, component, msg, args...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	Log(slog.LevelWarn, component, msg, args...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	Log(slog.LevelError, component, msg, args...)
}
