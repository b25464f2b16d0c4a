package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/m-mizutani/clog"
)

type ctxLoggerKey struct{}

var (
	current   = New("info", os.Stderr)
	currentMu sync.RWMutex
)

// Format selects the handler used by NewWithFormat
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

func levelOf(level string) slog.Level {
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

// New returns a colored console logger. Unknown levels fall back to info.
func New(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	return slog.New(clog.New(
		clog.WithWriter(w),
		clog.WithLevel(levelOf(level)),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	))
}

// NewJSON returns a JSON logger for long-running worker processes
func NewJSON(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelOf(level)}))
}

// NewWithFormat dispatches to New or NewJSON
func NewWithFormat(format Format, level string, w io.Writer) *slog.Logger {
	if format == FormatJSON {
		return NewJSON(level, w)
	}
	return New(level, w)
}

func Default() *slog.Logger {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

func SetDefault(logger *slog.Logger) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = logger
}

// With attaches logger to ctx
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// From returns the logger attached to ctx, or the default logger
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return Default()
}

// WithAttrs derives a logger with extra attributes and attaches it to ctx
func WithAttrs(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	logger := From(ctx).With(args...)
	return With(ctx, logger), logger
}
