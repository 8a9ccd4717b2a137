// Package slog routes the client's log output through a log/slog handler,
// for programs that already collect their logs with slog.
package slog

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/jamalex/notion-py/pkg/logger"
)

// LevelDisabled is above every level a record can carry.
const LevelDisabled = slog.Level(100)

type Logger struct {
	l *slog.Logger
}

var _ logger.Logger = (*Logger)(nil)

func New(h slog.Handler) *Logger {
	return &Logger{l: slog.New(h)}
}

// NewText writes text records at or above the named level to w. Level
// names are the ones the log.level setting accepts.
func NewText(w io.Writer, level string) *Logger {
	lvl, _ := Level(level)
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Level maps a log.level name to a slog level. Unknown names map to
// warning and report false.
func Level(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "critical":
		return slog.LevelError + 4, true
	case "disabled":
		return LevelDisabled, true
	}
	return slog.LevelWarn, false
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l: l.l.With(args...)}
}

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.l.Enabled(context.Background(), level)
}

func (l *Logger) Error(msg string, args ...any) {
	l.l.Error(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.l.Warn(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.l.Info(msg, args...)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.l.Debug(msg, args...)
}
