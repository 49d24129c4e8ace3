// Package logging is the ambient structured-logging layer, adapted from
// the teacher's pkg/logger (a once-initialized log/slog.Logger with a
// request-scoped enrichment helper), generalized from trace_id to the
// wire dispatcher's request-id (spec.md §4.G: "the dispatcher enriches
// every log event with request-id").
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Config selects the logger's level and output format.
type Config struct {
	Level     string // DEBUG, INFO, WARN, ERROR
	Format    string // json, text
	AddSource bool
}

// Init initializes the process-wide logger. Safe to call more than once;
// only the first call takes effect.
func Init(cfg Config) {
	once.Do(func() {
		var level slog.Level
		switch cfg.Level {
		case "DEBUG":
			level = slog.LevelDebug
		case "WARN":
			level = slog.LevelWarn
		case "ERROR":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

		var handler slog.Handler
		if cfg.Format == "text" {
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stdout, opts)
		}

		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// Get returns the process-wide logger, initializing a JSON/INFO default if
// Init was never called.
func Get() *slog.Logger {
	if logger == nil {
		Init(Config{Level: "INFO", Format: "json"})
	}
	return logger
}

type requestIDKey struct{}

// WithRequestID attaches requestID to ctx for later retrieval by
// FromContext.
func WithRequestID(ctx context.Context, requestID int32) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// FromContext returns a logger enriched with ctx's request-id, or the
// plain process-wide logger if ctx carries none.
func FromContext(ctx context.Context) *slog.Logger {
	id, ok := ctx.Value(requestIDKey{}).(int32)
	if !ok {
		return Get()
	}
	return Get().With("request-id", id)
}
