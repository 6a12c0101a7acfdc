// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used throughout the core.
// It wraps log/slog so every component logs key-value pairs consistently,
// with an optional syslog sink alongside the default stderr handler.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Config controls logger construction.
type Config struct {
	Level  slog.Level
	JSON   bool
	Output io.Writer
	Syslog SyslogConfig
}

// DefaultConfig returns sane defaults: info level, text handler on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Output: os.Stderr,
	}
}

// Logger is the structured logger used by every component. It is a thin
// wrapper over *slog.Logger so call sites can log with
// logger.Info("message", "key", value, ...).
type Logger struct {
	inner *slog.Logger
}

// New builds a Logger from cfg, attaching a syslog writer alongside the
// primary output when cfg.Syslog.Enabled.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		}
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &Logger{inner: slog.New(handler)}
}

// SetDefault installs l as the process-wide slog default, which
// WithComponent derives component loggers from.
func (l *Logger) SetDefault() { slog.SetDefault(l.inner) }

// WithComponent returns a child logger tagged with a "component" attribute,
// the idiom used throughout the core to scope log lines to a subsystem.
func WithComponent(name string) *Logger {
	return &Logger{inner: slog.Default().With("component", name)}
}

// With returns a child logger with the given key-value pairs attached to
// every subsequent log line.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }
