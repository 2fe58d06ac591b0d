// Package logging configures the process-wide [log/slog] logger for
// kbase. The CLI builds one logger in its root command, installs it as
// the slog default, and threads it through context so ingestion workers
// and the retrieval engine can attach per-file and per-query attributes
// without plumbing a logger argument through every call.
//
// Output goes to stderr so piped command output stays clean. Two
// environment variables control behavior:
//
//	LOG_LEVEL  = debug | info | warn | error  (default: info)
//	LOG_FORMAT = json | text                  (default: json)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

const (
	envLevel  = "LOG_LEVEL"
	envFormat = "LOG_FORMAT"
)

type contextKey struct{}

// New builds a logger from LOG_LEVEL and LOG_FORMAT. JSON is the
// default handler; text is meant for reading kbase output in a
// terminal during development.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv(envLevel))}

	var h slog.Handler
	switch strings.ToLower(os.Getenv(envFormat)) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// WithLogger returns a copy of ctx carrying logger. Batch processing
// uses this to give each worker a logger scoped to the file it is
// handling.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger carried by ctx, falling back to
// [slog.Default] so callers never nil-check.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
