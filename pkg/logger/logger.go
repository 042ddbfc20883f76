// Package logger owns the process-wide slog loggers: an operational logger
// for diagnostics and an audit stream that records transaction receipts and
// protocol events in a fixed schema (see audit.go).
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level, encoding and destinations of the operational
// logger, and whether audit records get their own rotated file.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the rotated audit file. When disabled, audit records
// are written to the operational outputs with the same stream tag.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultAuditSizeMB  = 100
	defaultAuditBackups = 7
	defaultAuditAgeDays = 30
)

// registry holds the installed loggers and the files they write to.
type registry struct {
	mu      sync.RWMutex
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var global registry

// Init builds the loggers described by cfg and installs them, replacing and
// closing whatever an earlier call installed.
func Init(cfg Config) error {
	var closers []io.Closer
	out, err := openOutputs(cfg.OutputPaths, &closers)
	if err != nil {
		_ = closeAll(closers)
		return err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	app := slog.New(newHandler(cfg.Format, out, opts))

	audit := app.With(slog.String(KeyStream, StreamAudit))
	if cfg.Audit.Enabled {
		file, err := openAuditFile(cfg.Audit)
		if err != nil {
			_ = closeAll(closers)
			return err
		}
		closers = append(closers, file)
		audit = newAuditLogger(file)
	}

	global.mu.Lock()
	previous := global.closers
	global.app, global.audit, global.closers = app, audit, closers
	global.mu.Unlock()
	_ = closeAll(previous)
	return nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// openOutputs resolves every output path and fans them into one writer.
// No paths means stdout.
func openOutputs(paths []string, closers *[]io.Closer) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(strings.TrimSpace(path)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			*closers = append(*closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openAuditFile(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, defaultAuditSizeMB),
		MaxBackups: positiveOr(cfg.MaxBackups, defaultAuditBackups),
		MaxAge:     positiveOr(cfg.MaxAgeDays, defaultAuditAgeDays),
		Compress:   cfg.Compress,
	}, nil
}

// newAuditLogger always encodes JSON at info level so audit lines stay
// machine readable whatever the operational format is.
func newAuditLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String(KeyStream, StreamAudit))
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// parseLevel accepts slog level names (including offsets such as "info+2")
// plus the "warning" alias. Anything else falls back to info.
func parseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the operational logger, installing a stdout JSON logger on first
// use if Init has not run.
func L() *slog.Logger {
	global.mu.RLock()
	app := global.app
	global.mu.RUnlock()
	if app != nil {
		return app
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.app == nil {
		global.app = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return global.app
}

// Audit returns the audit stream logger. Prefer the typed helpers in audit.go.
func Audit() *slog.Logger {
	global.mu.RLock()
	audit := global.audit
	global.mu.RUnlock()
	if audit != nil {
		return audit
	}
	return L().With(slog.String(KeyStream, StreamAudit))
}

// Sync flushes and closes the files opened by Init.
func Sync() error {
	global.mu.Lock()
	closers := global.closers
	global.closers = nil
	global.mu.Unlock()
	return closeAll(closers)
}

// Named returns a child of the operational logger tagged with a component.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
