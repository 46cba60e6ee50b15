// Package logger provides the structured logger used across the sync
// engine: a handful of severity levels (TRACE through ERROR, plus OFF),
// rendered as text or JSON, backed by log/slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/syncfs/syncfs/internal/config"
)

// Custom slog levels. slog's built-in levels only cover Debug/Info/Warn/
// Error; TRACE sits below Debug so a handler can filter it out entirely in
// normal operation.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

var severityToLevel = map[string]slog.Level{
	config.TRACE:   LevelTrace,
	config.DEBUG:   LevelDebug,
	config.INFO:    LevelInfo,
	config.WARNING: LevelWarn,
	config.ERROR:   LevelError,
	config.OFF:     LevelOff,
}

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
	LevelOff:   "OFF",
}

type factory struct {
	mu       sync.Mutex
	format   string // "text" or "json"
	file     *os.File
	progLvl  *slog.LevelVar
	writer   io.Writer
}

var (
	defaultFactory = &factory{format: "text", progLvl: &slog.LevelVar{}}
	defaultLogger  = slog.New(defaultFactory.handler(os.Stderr))
)

func setLoggingLevel(severity string, lvl *slog.LevelVar) {
	level, ok := severityToLevel[severity]
	if !ok {
		level = LevelInfo
	}
	lvl.Set(level)
}

// handler builds a slog.Handler writing to w in the factory's configured
// format, with a replacer that renders our custom level names and drops
// slog's default "level" attribute name in favor of "severity".
func (f *factory) handler(w io.Writer) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.LevelKey {
			level, _ := a.Value.Any().(slog.Level)
			name, ok := levelNames[level]
			if !ok {
				name = level.String()
			}
			a.Key = "severity"
			a.Value = slog.StringValue(name)
		}
		if a.Key == slog.TimeKey {
			a.Key = "time"
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: f.progLvl, ReplaceAttr: replace}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Init configures the package-level logger from a repository's logging
// section: severity, format, and an optional file destination. Callers
// that don't need a log file can pass an empty cfg.FilePath to keep
// writing to stderr.
func Init(cfg config.LoggingConfig) error {
	defaultFactory.mu.Lock()
	defer defaultFactory.mu.Unlock()

	defaultFactory.format = cfg.Format
	if defaultFactory.format == "" {
		defaultFactory.format = "text"
	}
	setLoggingLevel(cfg.Severity, defaultFactory.progLvl)

	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if defaultFactory.file != nil {
			defaultFactory.file.Close()
		}
		defaultFactory.file = f
		w = f
	}
	defaultFactory.writer = w
	defaultLogger = slog.New(defaultFactory.handler(w))
	return nil
}

// SetFormat overrides the rendering format ("text" or "json") without
// touching severity or the output destination.
func SetFormat(format string) {
	defaultFactory.mu.Lock()
	defer defaultFactory.mu.Unlock()
	defaultFactory.format = format
	w := defaultFactory.writer
	if w == nil {
		w = os.Stderr
	}
	defaultLogger = slog.New(defaultFactory.handler(w))
}

func logAttrs(level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	defaultLogger.LogAttrs(context.Background(), level, msg)
}

func Tracef(format string, args ...any) { logAttrs(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logAttrs(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logAttrs(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logAttrs(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logAttrs(LevelError, format, args...) }
