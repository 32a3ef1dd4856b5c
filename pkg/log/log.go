// Package log provides named service loggers for tavern.
//
// Every subsystem asks for its own logger once and keeps it in a package
// variable:
//
//	var logger = log.ForService("mailbox")
//	logger.Infof("swept %d mailboxes", n)
//	logger.With("mailbox", id).Debugf("replayed %d events", len(events))
//
// Lines are rendered by a log/slog text handler with a service=<name>
// attribute, so they stay grep-able per subsystem. Debug output can be
// enabled globally (SetGlobalDebug) or per service (EnableDebugFor), and both
// can be replaced at runtime with Configure when the config file changes.
//
// The package name collides with the stdlib "log"; alias one of them when both
// are needed.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is a named logger. The zero value is not usable; use ForService.
type Logger struct {
	name  string
	attrs []any
}

var (
	globalDebug atomic.Bool

	// serviceDebug stores per-service debug overrides.
	serviceDebug sync.Map // map[string]*atomic.Bool

	loggers sync.Map // map[string]*Logger

	handler atomic.Pointer[slog.Logger]
)

func init() {
	SetOutput(os.Stderr)
}

// ForService returns (and memoizes) a named logger for the given service.
func ForService(name string) *Logger {
	if name == "" {
		name = "unknown"
	}
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	actual, _ := loggers.LoadOrStore(name, &Logger{name: name})
	return actual.(*Logger)
}

// With returns a child logger that adds the given key/value pairs to every
// line. Children are not memoized.
func (l *Logger) With(args ...any) *Logger {
	attrs := make([]any, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, args...)
	return &Logger{name: l.name, attrs: attrs}
}

// Name returns the service name of the logger.
func (l *Logger) Name() string {
	return l.name
}

// SetGlobalDebug enables or disables debug logging globally.
func SetGlobalDebug(enabled bool) {
	globalDebug.Store(enabled)
}

// GlobalDebug returns whether global debug logging is enabled.
func GlobalDebug() bool {
	return globalDebug.Load()
}

// EnableDebugFor enables debug logging for a specific service.
func EnableDebugFor(name string) {
	if name == "" {
		return
	}
	val, _ := serviceDebug.LoadOrStore(name, &atomic.Bool{})
	val.(*atomic.Bool).Store(true)
}

// DisableDebugFor disables debug logging for a specific service.
func DisableDebugFor(name string) {
	if name == "" {
		return
	}
	if val, ok := serviceDebug.Load(name); ok {
		val.(*atomic.Bool).Store(false)
	}
}

// DebugEnabledFor returns whether debug is enabled for the given service,
// either globally or specifically.
func DebugEnabledFor(name string) bool {
	if globalDebug.Load() {
		return true
	}
	if val, ok := serviceDebug.Load(name); ok {
		return val.(*atomic.Bool).Load()
	}
	return false
}

// Configure replaces the debug settings in one step: global debug plus the
// exact set of services with debug enabled. Services not listed are disabled.
func Configure(debug bool, services []string) {
	SetGlobalDebug(debug)
	serviceDebug.Range(func(k, _ any) bool {
		DisableDebugFor(k.(string))
		return true
	})
	for _, s := range services {
		EnableDebugFor(s)
	}
}

// SetOutput sets the destination of every logger, existing ones included.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler.Store(slog.New(h))
}

func (l *Logger) log(level slog.Level, msg string) {
	base := handler.Load()
	args := make([]any, 0, len(l.attrs)+2)
	args = append(args, "service", l.name)
	args = append(args, l.attrs...)
	base.Log(context.Background(), level, msg, args...)
}

// Infof logs an informational message with fmt.Sprintf semantics.
func (l *Logger) Infof(format string, args ...any) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs a warning message.
func (l *Logger) Warnf(format string, args ...any) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs an error message.
func (l *Logger) Errorf(format string, args ...any) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}

// Debugf logs a debug message if debug is enabled for this logger's service.
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabledFor(l.name) {
		return
	}
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}

// Timestamp returns the current time. Tests may override it.
var Timestamp = func() time.Time {
	return time.Now()
}
