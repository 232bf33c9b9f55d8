// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured loggers used by the rollout
// service and CLI.
//
// Logs go to stderr (text or JSON) and, when a directory is configured, to
// a daily JSON file named "{service}_{YYYY-MM-DD}.log". The level can be
// changed at runtime so a configuration reload takes effect without
// rebuilding loggers that components already hold.
//
// This package does not redact anything. Log metadata, not secrets:
//
//	logger.Info("influx store opened", "token_present", token != "")
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR" or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" (any case) to a Level.
// The empty string is LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config configures a Logger. The zero value writes Info and above to
// stderr as text.
type Config struct {
	// Level is the minimum level written.
	Level Level

	// LogDir enables file logging. "~" expands to the home directory.
	// The directory is created with 0750 permissions.
	LogDir string

	// Service is added to every record as the "service" attribute and names
	// the log file.
	Service string

	// JSON switches the console output to JSON. Files are always JSON.
	JSON bool

	// Quiet disables console output.
	Quiet bool

	// Output replaces stderr as the console destination.
	Output io.Writer
}

// Logger is a slog.Logger with a runtime-adjustable level and an optional
// log file it owns.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	slog  *slog.Logger
	level *slog.LevelVar
	file  *os.File
	path  string

	mu     sync.Mutex
	closed bool
}

// New builds a Logger.
//
// A log directory that cannot be created or opened is reported on the
// console logger and file logging is skipped; New itself never fails.
func New(cfg Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(cfg.Level.toSlogLevel())
	opts := &slog.HandlerOptions{Level: level}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	l := &Logger{level: level}
	var fileErr error
	if cfg.LogDir != "" {
		l.file, l.path, fileErr = openLogFile(cfg.LogDir, cfg.Service)
		if fileErr == nil {
			handlers = append(handlers, slog.NewJSONHandler(l.file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)

	if fileErr != nil {
		l.slog.Warn("file logging disabled", slog.String("error", fileErr.Error()))
	}
	return l
}

func openLogFile(dir, service string) (*os.File, string, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", fmt.Errorf("create log directory: %w", err)
	}
	if service == "" {
		service = "rollout"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return f, path, nil
}

// Default returns an Info-level stderr logger for the rollout service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "rollout"})
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// SetLevel changes the minimum level for this logger and every logger
// derived from Slog().
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.toSlogLevel())
}

// FilePath returns the log file path, or "" when file logging is off.
func (l *Logger) FilePath() string {
	return l.path
}

// Close syncs and closes the log file. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		l.closed = true
		return nil
	}
	l.closed = true
	return errors.Join(l.file.Sync(), l.file.Close())
}

// multiHandler fans records out to several handlers.
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
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
