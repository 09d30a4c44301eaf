package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Field names shared by all components
const (
	FieldComponent = "component"
	FieldPath      = "path"
	FieldSide      = "side"
	FieldState     = "state"
	FieldReason    = "reason"
)

var (
	defaultLogger = NewNop()
	logFile       *os.File
	mu            sync.Mutex
	isSetup       bool
)

// SetupLogger installs a package logger writing text to stderr and JSON to
// logFilePath. An empty path logs to stderr only.
func SetupLogger(logFilePath string, level slog.Level) error {
	mu.Lock()
	defer mu.Unlock()

	if isSetup {
		return nil
	}

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if strings.TrimSpace(logFilePath) == "" {
		defaultLogger = slog.New(stderrHandler)
		isSetup = true
		return nil
	}

	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		defaultLogger = slog.New(stderrHandler)
		return fmt.Errorf("open log file %s: %w", logFilePath, err)
	}
	logFile = file

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	defaultLogger = slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	defaultLogger.Debug("debug log started", slog.String("at", time.Now().Format(time.RFC3339)))

	isSetup = true
	return nil
}

// SetupLoggerWithWriters installs a package logger over arbitrary writers
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	defaultLogger = slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	isSetup = true
	return defaultLogger
}

// CloseLogger closes the log file
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		defaultLogger.Debug("debug log closed", slog.String("at", time.Now().Format(time.RFC3339)))
		logFile.Close()
		logFile = nil
	}
	defaultLogger = NewNop()
	isSetup = false
}

// Logger returns the package logger
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

// ParseLevel maps a level name onto a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewNop returns a logger that discards everything
func NewNop() *slog.Logger {
	return slog.New(noopHandler{})
}

// NewComponentLogger tags logger with a component attribute.
// A nil logger falls back to the package logger.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = Logger()
	}
	return logger.With(slog.String(FieldComponent, component))
}

// LogInfo logs an information message
func LogInfo(format string, args ...interface{}) {
	Logger().Info(fmt.Sprintf(format, args...))
}

// DebugLog logs a message at debug level
func DebugLog(format string, args ...interface{}) {
	Logger().Debug(fmt.Sprintf(format, args...))
}

// LogError logs an error message
func LogError(format string, args ...interface{}) {
	Logger().Error(fmt.Sprintf(format, args...))
}

// LogWarning logs a warning message
func LogWarning(format string, args ...interface{}) {
	Logger().Warn(fmt.Sprintf(format, args...))
}

// LogImageProcessed logs when an image is fingerprinted
func LogImageProcessed(path string, success bool, errMsg string) {
	if success {
		Logger().Debug("processed", slog.String(FieldPath, path))
		return
	}
	Logger().Warn("failed", slog.String(FieldPath, path), slog.String("error", errMsg))
}

// LogRecordOutcome logs the terminal state of a record
func LogRecordOutcome(logger *slog.Logger, side, path, state, reason, detail string) {
	if logger == nil {
		logger = Logger()
	}
	attrs := []any{
		slog.String(FieldSide, side),
		slog.String(FieldPath, path),
		slog.String(FieldState, state),
		slog.String(FieldReason, reason),
	}
	if detail != "" {
		attrs = append(attrs, slog.String("detail", detail))
	}
	logger.Info("record outcome", attrs...)
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h noopHandler) WithGroup(string) slog.Handler           { return h }
