package lexgo

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with lexgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithIndex adds the index directory field to the logger.
func (l *Logger) WithIndex(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("index", dir),
	}
}

// LogAdd logs a document add operation.
func (l *Logger) LogAdd(ctx context.Context, docs uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add document failed",
			"buffered_docs", docs,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "document buffered",
			"buffered_docs", docs,
		)
	}
}

// LogCommit logs a commit operation.
func (l *Logger) LogCommit(ctx context.Context, seq uint64, numDocs uint64, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"seq", seq,
			"num_docs", numDocs,
			"took", took,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, kind string, hits int, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"kind", kind,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"kind", kind,
			"hits", hits,
			"took", took,
		)
	}
}

// LogMerge logs a segment merge operation.
func (l *Logger) LogMerge(ctx context.Context, inputs int, docs uint64, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "merge failed",
			"inputs", inputs,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "merge completed",
			"inputs", inputs,
			"live_docs", docs,
			"took", took,
		)
	}
}

// LogFlush logs a segment flush operation.
func (l *Logger) LogFlush(ctx context.Context, docs uint64, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"docs", docs,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "segment flushed",
			"docs", docs,
			"bytes", bytes,
		)
	}
}
