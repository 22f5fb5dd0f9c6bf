package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/config"
)

const (
	serviceName = "coopbridge"

	// componentKey tags entries with the subsystem that emitted them.
	componentKey = "component"

	logDirMode  = 0o750
	logFileMode = 0o640
)

// Logger is the bridge's structured logger. Every entry carries the
// service name and build version.
//
// A Logger is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section of config.yaml.
//
// When output is "file" and the file cannot be opened the logger writes
// to stderr instead, and the first entry explains why.
func New(cfg config.LoggingConfig, version string) *Logger {
	w, err := openOutput(cfg)
	l := &Logger{Logger: slog.New(newHandler(w, cfg, version))}
	if err != nil {
		l.Warn("log file unavailable, using stderr", "file", cfg.File, "error", err)
	}
	return l
}

// Default is the logger used until config.yaml has been read: JSON, info
// level, stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// With returns a child Logger carrying the extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child Logger tagged component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With(componentKey, name)
}

func openOutput(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr, nil
	case "file":
		return openFile(cfg.File)
	default:
		return os.Stdout, nil
	}
}

// openFile appends to path, creating parent directories. On failure it
// returns stderr alongside the error.
func openFile(path string) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), logDirMode); err != nil {
		return os.Stderr, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFileMode) //nolint:gosec // path from trusted config
	if err != nil {
		return os.Stderr, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func newHandler(w io.Writer, cfg config.LoggingConfig, version string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
}

// parseLevel maps debug, warn/warning and error to their slog levels.
// Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
