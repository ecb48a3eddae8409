// Package logging provides structured logging for D-Bus traffic with ConnMan.
package logging

import (
	"context"
	"log/slog"
	"time"
)

// Logger wraps slog for structured D-Bus call logging.
type Logger struct {
	*slog.Logger
	component string
}

// New creates a Logger on top of the process default slog logger.
func New(component string) *Logger {
	return FromSlog(slog.Default(), component)
}

// FromSlog creates a Logger on top of an explicit slog logger.
func FromSlog(l *slog.Logger, component string) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{
		Logger:    l,
		component: component,
	}
}

// WithComponent returns a new Logger with the specified component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger,
		component: component,
	}
}

// LogCall logs an outgoing D-Bus method call with its result.
func (l *Logger) LogCall(ctx context.Context, path, method string, elapsed time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("component", l.component),
		slog.String("path", path),
		slog.String("method", method),
		slog.Duration("elapsed", elapsed),
	}
	level := slog.LevelDebug
	if err != nil {
		attrs = append(attrs, slog.String("result", "error"), slog.String("error", err.Error()))
		level = slog.LevelWarn
	} else {
		attrs = append(attrs, slog.String("result", "ok"))
	}

	l.LogAttrs(ctx, level, "dbus_call", attrs...)
}

// LogSignal logs an incoming D-Bus signal.
func (l *Logger) LogSignal(ctx context.Context, path, name string, args map[string]any) {
	attrs := []slog.Attr{
		slog.String("component", l.component),
		slog.String("path", path),
		slog.String("signal", name),
	}
	for k, v := range args {
		attrs = append(attrs, slog.Any(k, v))
	}

	l.LogAttrs(ctx, slog.LevelDebug, "dbus_signal", attrs...)
}

// LogAgent logs a method invoked on the agent by the daemon.
func (l *Logger) LogAgent(ctx context.Context, method string, args map[string]any, result string) {
	attrs := []slog.Attr{
		slog.String("component", l.component),
		slog.String("method", method),
		slog.String("result", result),
	}
	for k, v := range args {
		attrs = append(attrs, slog.Any(k, v))
	}

	l.LogAttrs(ctx, slog.LevelInfo, "agent_call", attrs...)
}
