package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"picopass/internal/config"
)

// Redacted replaces the value of any attribute whose key names secret
// material.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"password":        true,
	"master_password": true,
	"secret":          true,
	"session_key":     true,
	"activation_key":  true,
	"product_key":     true,
	"signing_secret":  true,
	"authorization":   true,
}

var (
	logMu     sync.Mutex
	appLogger *slog.Logger
	logFile   *os.File
)

// InitializeLogger builds the daemon logger from cfg and installs it as the
// slog default. Only the first call configures; later calls return the same
// logger.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	logMu.Lock()
	defer logMu.Unlock()
	if appLogger != nil {
		return appLogger, nil
	}

	w, f, err := logOutput(cfg)
	if err != nil {
		return nil, err
	}
	logFile = f
	appLogger = newLogger(w, cfg.Level, true)
	slog.SetDefault(appLogger)
	return appLogger, nil
}

// GetLogger returns the daemon logger, or slog.Default before
// InitializeLogger has run.
func GetLogger() *slog.Logger {
	logMu.Lock()
	defer logMu.Unlock()
	if appLogger == nil {
		return slog.Default()
	}
	return appLogger
}

// NewLogger builds a logger with the daemon's handler chain writing to w,
// without touching the process-wide logger.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return newLogger(w, level, false)
}

func newLogger(w io.Writer, level string, source bool) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   source,
		Level:       parseLogLevel(level),
		ReplaceAttr: redact,
	})
	return slog.New(&traceHandler{Handler: handler})
}

// logOutput resolves cfg.Output to a writer. The returned file, if any, is
// owned by the package and closed by CloseLogFile.
func logOutput(cfg config.LoggingConfig) (io.Writer, *os.File, error) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr, nil, nil
	case "file", "both":
		f, err := openLogFile(cfg.FilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		if strings.EqualFold(cfg.Output, "file") {
			return f, f, nil
		}
		return io.MultiWriter(os.Stdout, f), f, nil
	default:
		return os.Stdout, nil, nil
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// traceHandler adds trace_id from the record's context.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if traceID := GetTraceID(ctx); traceID != "" {
		r.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// CloseLogFile closes the log file opened by InitializeLogger, if any.
func CloseLogFile() error {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// ResetLoggerForTesting forgets the daemon logger so the next
// InitializeLogger call configures a new one.
func ResetLoggerForTesting() {
	_ = CloseLogFile()
	logMu.Lock()
	appLogger = nil
	logMu.Unlock()
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("logging output needs a file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}
