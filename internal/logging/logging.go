// Package logging provides structured logging for obshub.
//
// This package wraps the standard library's log/slog package so that every
// component logs the same way. It supports text and JSON output, configurable
// levels and component-scoped loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false)
//
//	// Get a component logger
//	log := logging.Component("ingestion")
//	log.Info("connected to data source", "producer", uid)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a config string (debug, info, warn, error) to a level.
// Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		if Logger == nil {
			Init(slog.LevelInfo, false)
		}
		base = Logger
	}

	logger := base

	if storage, ok := ctx.Value(contextKeyStorage).(string); ok {
		logger = logger.With("storage", storage)
	}
	if producer, ok := ctx.Value(contextKeyProducer).(string); ok {
		logger = logger.With("producer", producer)
	}

	return logger
}

type contextKey int

const (
	contextKeyStorage contextKey = iota
	contextKeyProducer
)

// ContextWithStorage adds a storage module name to the context for logging.
func ContextWithStorage(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, contextKeyStorage, name)
}

// ContextWithProducer adds a producer UID to the context for logging.
func ContextWithProducer(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, contextKeyProducer, uid)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
