// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for copycast services.
//
// It wraps log/slog with a fan-out handler so one logger can write JSON
// to the console and, optionally, to a log file at the same time. The
// file stream always logs JSON so downstream tooling can parse it; the
// console format is configurable.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config controls logger construction. The zero value logs JSON at info
// level to stderr.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is the console format: "json" or "text". Default: "json".
	Format string

	// FilePath, when set, duplicates all output to this file. Parent
	// directories are created. "~" expands to the home directory.
	FilePath string

	// AddSource includes the file:line of the call site.
	AddSource bool
}

// Logger is a leveled structured logger. Safe for concurrent use.
type Logger struct {
	slogger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a logger from config. Errors opening the log file are not
// fatal: the logger falls back to console-only and reports the problem
// on its own output.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var console slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		console = slog.NewTextHandler(os.Stderr, opts)
	} else {
		console = slog.NewJSONHandler(os.Stderr, opts)
	}

	l := &Logger{}
	handlers := []slog.Handler{console}
	if cfg.FilePath != "" {
		if f, err := openLogFile(cfg.FilePath); err != nil {
			slog.New(console).Warn("log file unavailable, console only",
				"path", cfg.FilePath, "error", err)
		} else {
			l.file = f
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
		}
	}

	if len(handlers) == 1 {
		l.slogger = slog.New(handlers[0])
	} else {
		l.slogger = slog.New(&multiHandler{handlers: handlers})
	}
	return l
}

// Slog returns the underlying slog logger.
func (l *Logger) Slog() *slog.Logger { return l.slogger }

// SetDefault installs this logger as the process default for both slog
// and the legacy log package.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.slogger)
}

// With returns a logger with the given attributes attached to every
// record. The file handle is shared with the parent; only the parent's
// Close releases it.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogger: l.slogger.With(args...)}
}

// Close flushes and closes the log file, if any. Safe to call more than
// once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) Debug(msg string, args ...any) { l.slogger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slogger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slogger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slogger.Error(msg, args...) }

func parseLevel(level string) slog.Level {
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

func openLogFile(path string) (*os.File, error) {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// multiHandler fans records out to every handler. A record is emitted
// when any handler accepts its level; each handler still applies its own
// filter.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// discard returns a logger that drops everything. Used by tests.
func discard() *Logger {
	return &Logger{slogger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}
