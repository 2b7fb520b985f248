// Package logging builds the daemon's slog.Logger: structured JSON to
// rotating files in the data directory, error-level records duplicated to a
// separate error log, and a text mirror on stderr when running in a
// terminal.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the lumberjack sinks. Sized for a daemon that logs a
// status line a few times a minute plus per-upload records.
const (
	maxLogSizeMB  = 10
	maxLogBackups = 5
	maxLogAgeDays = 30
	dirPerm       = 0o755
)

// ParseLevel maps the config.json log_level spelling to a slog.Level.
// "warning" is the on-disk name for slog's Warn.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", level)
	}
}

// Options configure New.
type Options struct {
	Level        slog.Level
	LogPath      string
	ErrorLogPath string
	// Console forces the stderr mirror on (tests); otherwise the mirror is
	// enabled only when stderr is a terminal.
	Console bool
}

// New builds the daemon logger. The returned closer flushes and closes the
// rotating file sinks; call it after the final log record on shutdown.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(opts.LogPath), dirPerm); err != nil {
		return nil, nil, fmt.Errorf("logging: creating log directory: %w", err)
	}

	primary := &lumberjack.Logger{
		Filename:   opts.LogPath,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
	}

	errSink := &lumberjack.Logger{
		Filename:   opts.ErrorLogPath,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(primary, &slog.HandlerOptions{Level: opts.Level}),
		slog.NewJSONHandler(errSink, &slog.HandlerOptions{Level: slog.LevelError}),
	}

	if opts.Console || isatty.IsTerminal(os.Stderr.Fd()) {
		handlers = append(handlers,
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level}))
	}

	logger := slog.New(&fanoutHandler{handlers: handlers})

	return logger, multiCloser{primary, errSink}, nil
}

// fanoutHandler delivers each record to every child handler that is enabled
// for its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error

	for _, h := range f.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}

		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}

	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}

	return &fanoutHandler{handlers: next}
}

// multiCloser closes all sinks, returning the first error.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error

	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
