// Package logging provides the framework's structured logger. It wraps a
// standard slog.Logger for local output and can mirror entries to a NATS
// subject so operators stream logs from running services.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Level is the severity of a published log entry.
type Level string

// Log levels.
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is the wire form of a mirrored log line.
type Entry struct {
	Timestamp string `json:"timestamp"` // RFC3339Nano
	Level     Level  `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
}

// Logger logs locally through slog and optionally mirrors entries to NATS
// under "qollective.logs.<component>".
type Logger struct {
	component string
	slogger   *slog.Logger
	nc        *nats.Conn
	mirror    bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithSlog replaces the default slog logger.
func WithSlog(l *slog.Logger) Option {
	return func(lg *Logger) {
		if l != nil {
			lg.slogger = l
		}
	}
}

// WithNATS enables mirroring entries to NATS.
func WithNATS(nc *nats.Conn) Option {
	return func(lg *Logger) {
		lg.nc = nc
		lg.mirror = nc != nil
	}
}

// New creates a component logger.
func New(component string, opts ...Option) *Logger {
	lg := &Logger{
		component: component,
		slogger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{
		component: "nop",
		slogger:   slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})),
	}
}

// With returns a logger for a sub-component sharing the same sinks.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		component: component,
		slogger:   l.slogger,
		nc:        l.nc,
		mirror:    l.mirror,
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slogger.Debug(msg, l.withComponent(args)...)
	l.publish(context.Background(), LevelDebug, msg, "")
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slogger.Info(msg, l.withComponent(args)...)
	l.publish(context.Background(), LevelInfo, msg, "")
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slogger.Warn(msg, l.withComponent(args)...)
	l.publish(context.Background(), LevelWarn, msg, "")
}

// Error logs at error level with the causing error attached.
func (l *Logger) Error(msg string, err error, args ...any) {
	combined := l.withComponent(args)
	if err != nil {
		combined = append(combined, "error", err)
	}
	l.slogger.Error(msg, combined...)

	stack := ""
	if err != nil {
		stack = fmt.Sprintf("%+v", err)
	}
	l.publish(context.Background(), LevelError, msg, stack)
}

func (l *Logger) withComponent(args []any) []any {
	return append([]any{"component", l.component}, args...)
}

// publish mirrors the entry to NATS when a connection was supplied.
// Mirror failures are swallowed after a local error log: logging must
// never fail the request path.
func (l *Logger) publish(ctx context.Context, level Level, message, stack string) {
	if !l.mirror {
		return
	}
	select {
	case <-ctx.Done():
		return
	default:
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.component,
		Message:   message,
		Stack:     stack,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.slogger.Error("failed to marshal log entry", "error", err)
		return
	}

	nc := l.nc
	if nc == nil {
		return
	}
	subject := "qollective.logs." + l.component
	if err := nc.Publish(subject, data); err != nil {
		l.slogger.Error("failed to mirror log to NATS", "error", err, "subject", subject)
	}
}
