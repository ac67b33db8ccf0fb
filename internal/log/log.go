// Package log is the structured logger used across the service.
//
// It wraps log/slog behind a small interface that takes a context on every
// call, so trace and span ids from OpenTelemetry land on every line written
// while a request span is active. Error calls also record the error chain,
// the surface and root error types, and a stack at or above StacktraceLevel.
package log

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Level   slog.Level

	// StacktraceLevel is the lowest level that gets a stack attached, defaults to error
	StacktraceLevel slog.Level

	// JSON switches from logfmt to one JSON object per line
	JSON bool

	// IncludeErrorLinks adds the per-wrap func/file/line of an error chain, capped at MaxErrorLinks
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// Writer defaults to stdout
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, xerrors.Newf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
