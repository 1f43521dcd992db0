// Package telemetry provides the logging abstraction used across the runtime.
//
// Subsystems accept a Logger rather than a concrete logging library so tests
// can run silently and applications can plug their preferred backend. The
// default production implementation delegates to goa.design/clue/log, which
// reads formatting and debug settings from the request context.
package telemetry

import (
	"context"
)

type (
	// Logger provides leveled, structured logging. Implementations must be
	// thread-safe. The variadic keyvals are alternating key/value pairs; keys
	// must be strings.
	Logger interface {
		// Debug emits a debug-level log message with structured key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level log message with structured key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level log message with structured key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level log message with structured key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// NoopLogger is a no-op implementation of Logger that discards all messages.
	NoopLogger struct{}
)

// NewNoopLogger constructs a Logger that discards all log messages.
// Use this for testing or when logging is not required.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}
