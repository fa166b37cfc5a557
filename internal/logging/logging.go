package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Config selects the global log handler
type Config struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"` // json or text
	File   string `toml:"file" json:"file"`     // optional, written in addition to stdout
}

// sanitizeMessage normalizes a log message to a single line and removes
// potentially dangerous control characters that can be used for log injection.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"auth_header",
}

func isSensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(keyLower, sk) {
			return true
		}
	}
	return false
}

// sanitizeAttr redacts sensitive values and flattens string values to one line.
// Addresses and SMTP replies come from remote peers and end up in log values.
func sanitizeAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, "***REDACTED***")
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	level slog.LevelVar
	mu    sync.RWMutex
}

var globalLogLevelManager = &LogLevelManager{}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level.Level()
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds the handler InitializeLogging installs
func NewHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level:       &globalLogLevelManager.level,
		ReplaceAttr: sanitizeAttr,
	}
	switch strings.ToLower(format) {
	case "json", "":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unsupported log format: %s", format)
}

// InitializeLogging installs the global slog handler. It returns a closer for
// the log file, if one was opened.
func InitializeLogging(config Config) (io.Closer, error) {
	level, err := StringToLevel(config.Level)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", config.Level)
	}
	globalLogLevelManager.SetLevel(level)

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	handler, err := NewHandler(w, config.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("logging initialized",
		"log_level", LevelToString(level),
		"log_format", config.Format,
		"log_file", config.File)
	return closer, nil
}
