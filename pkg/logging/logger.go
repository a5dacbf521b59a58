// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the streamsearch service.
//
// This package implements a layered logging architecture:
//
//   - Default: stderr output (console or JSON encoding)
//   - Optional: rotating file logging via lumberjack
//   - Tests: an in-memory observer core for asserting on emitted entries
//
// # Architecture
//
// The logging system is built on zap's SugaredLogger. Multiple destinations
// are combined with zapcore.NewTee, and the minimum level lives in a
// zap.AtomicLevel so configuration reloads can change it without rebuilding
// the logger:
//
//	┌─────────────────────────────────────────────────┐
//	│                     Logger                      │
//	│  ┌─────────────┐  ┌──────────────────────────┐  │
//	│  │   stderr    │  │  rotating file (JSON)    │  │
//	│  │  (default)  │  │  (optional, lumberjack)  │  │
//	│  └─────────────┘  └──────────────────────────┘  │
//	└─────────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("stream started", "dialog_id", dialogID)
//	logger.Error("upstream failed", "error", err)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "/var/log/streamsearch",
//	    Service: "streamsearch",
//	})
//	defer logger.Close()
//
// This writes `{service}.log` in JSON format, rotated by size.
//
// # Thread Safety
//
// Logger is safe for concurrent use. zap cores are concurrency-safe and
// the level is an atomic.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers must
// ensure PII, tokens, and secrets are not logged.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels.
//
// Levels are ordered by severity: Debug < Info < Warn < Error.
// Setting a minimum level filters out all logs below that level.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota - 1

	// LevelInfo is for normal operational messages. It is the zero value.
	// Example: "stream started", "message stored"
	LevelInfo

	// LevelWarn is for recoverable issues.
	// Example: "unknown event kind", "malformed sse line"
	LevelWarn

	// LevelError is for failed operations the service survives.
	// Example: "upstream returned 502", "store message failed"
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
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

// ParseLevel converts a case-insensitive level name to a Level.
//
// Unknown names resolve to LevelInfo and a non-nil error.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// zapLevel bridges our Level type to zapcore.
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the Logger behavior.
//
// A zero-value Config creates a logger that writes Info+ messages to
// stderr in console format.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo
	Level Level

	// LogDir enables rotating file logging to the specified directory.
	//
	// The file is named "{Service}.log" and always JSON encoded.
	// Directory is created with 0750 permissions if it doesn't exist.
	// Supports ~ for home directory expansion.
	LogDir string

	// MaxSizeMB is the size at which the log file is rotated. Default: 100
	MaxSizeMB int

	// MaxBackups is the number of rotated files to keep. Default: 5
	MaxBackups int

	// Service is attached to every entry as the "service" field.
	Service string

	// JSON enables JSON encoding on stderr.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a key-value structured logger.
//
// # Description
//
// Logger wraps a zap.SugaredLogger and exposes the `msg, key, value, ...`
// calling convention used throughout the service. Derived loggers created
// with With share the level and the file sink of their parent.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
	file  *lumberjack.Logger
}

// New creates a Logger from config.
//
// # Inputs
//
//   - config: Logger configuration. Zero value is valid.
//
// # Outputs
//
//   - *Logger: Ready-to-use logger.
//   - error: Non-nil if the log directory could not be created.
func New(config Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(config.Level.zapLevel())

	var cores []zapcore.Core
	if !config.Quiet {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		var enc zapcore.Encoder
		if config.JSON {
			enc = zapcore.NewJSONEncoder(encCfg)
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
			enc = zapcore.NewConsoleEncoder(encCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}

	logger := &Logger{level: level}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		service := config.Service
		if service == "" {
			service = "streamsearch"
		}
		logger.file = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, service+".log"),
			MaxSize:    orDefault(config.MaxSizeMB, 100),
			MaxBackups: orDefault(config.MaxBackups, 5),
			Compress:   true,
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(logger.file), level))
	}

	var core zapcore.Core
	switch len(cores) {
	case 0:
		core = zapcore.NewNopCore()
	case 1:
		core = cores[0]
	default:
		core = zapcore.NewTee(cores...)
	}

	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if config.Service != "" {
		z = z.With(zap.String("service", config.Service))
	}
	logger.sugar = z.Sugar()
	return logger, nil
}

// NewObserved creates a Logger backed by an in-memory observer core.
//
// Used by tests to assert on emitted entries:
//
//	logger, logs := logging.NewObserved(logging.LevelDebug)
//	doWork(logger)
//	assert.Equal(t, 1, logs.FilterMessage("malformed sse line").Len())
func NewObserved(level Level) (*Logger, *observer.ObservedLogs) {
	atomic := zap.NewAtomicLevelAt(level.zapLevel())
	core, logs := observer.New(atomic)
	return &Logger{
		sugar: zap.New(core).Sugar(),
		level: atomic,
	}, logs
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{
		sugar: zap.NewNop().Sugar(),
		level: zap.NewAtomicLevelAt(zapcore.FatalLevel),
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process-wide logger.
//
// Until SetDefault is called this is an Info-level stderr logger.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger, _ = New(Config{Level: LevelInfo, Service: "streamsearch"})
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// OrDefault returns l, or Default() when l is nil.
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return Default()
	}
	return l
}

// Debug logs at LevelDebug with alternating key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

// Info logs at LevelInfo with alternating key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

// Warn logs at LevelWarn with alternating key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
}

// Error logs at LevelError with alternating key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}

// With returns a derived Logger that always includes the given pairs.
//
// The derived logger shares the level and file sink with its parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		sugar: l.sugar.With(args...),
		level: l.level,
		file:  l.file,
	}
}

// SetLevel changes the minimum level of this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// Zap exposes the underlying zap.Logger for libraries that accept one.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Close flushes buffered entries and closes the log file.
//
// Safe to call on a logger without file output.
func (l *Logger) Close() error {
	// Sync on stderr returns EINVAL on some platforms; ignore it.
	_ = l.sugar.Sync()
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
