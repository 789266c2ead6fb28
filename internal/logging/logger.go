package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type SlogLogger struct {
	l *slog.Logger
}

// New returns a JSON logger on stdout at the given level name.
func New(level string) *SlogLogger {
	return NewWithWriter(os.Stdout, level)
}

func NewWithWriter(w io.Writer, level string) *SlogLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})

	return &SlogLogger{l: slog.New(handler)}
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// With returns a logger that adds args to every record.
func (s *SlogLogger) With(args ...any) *SlogLogger {
	return &SlogLogger{l: s.l.With(args...)}
}

func (s *SlogLogger) Debug(msg string, args ...any) {
	s.l.Debug(msg, args...)
}

func (s *SlogLogger) Info(msg string, args ...any) {
	s.l.Info(msg, args...)
}

func (s *SlogLogger) Warn(msg string, args ...any) {
	s.l.Warn(msg, args...)
}

func (s *SlogLogger) Error(msg string, args ...any) {
	s.l.Error(msg, args...)
}

type nop struct{}

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}

// Nop discards everything.
func Nop() Logger { return nop{} }

// With attaches args to every record logged through l. A SlogLogger keeps
// them in its handler; other loggers are wrapped.
func With(l Logger, args ...any) Logger {
	switch v := l.(type) {
	case nil:
		return Nop()
	case *SlogLogger:
		return v.With(args...)
	case nop:
		return v
	}
	return withArgs{next: l, args: args}
}

type withArgs struct {
	next Logger
	args []any
}

func (w withArgs) merge(args []any) []any {
	return append(append(make([]any, 0, len(w.args)+len(args)), w.args...), args...)
}

func (w withArgs) Debug(msg string, args ...any) { w.next.Debug(msg, w.merge(args)...) }
func (w withArgs) Info(msg string, args ...any)  { w.next.Info(msg, w.merge(args)...) }
func (w withArgs) Warn(msg string, args ...any)  { w.next.Warn(msg, w.merge(args)...) }
func (w withArgs) Error(msg string, args ...any) { w.next.Error(msg, w.merge(args)...) }

type ctxKey struct{}

// NewContext returns ctx carrying l.
func NewContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by NewContext, or fallback.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	if fallback == nil {
		return Nop()
	}
	return fallback
}
