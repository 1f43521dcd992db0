package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType is the machine-readable classification token carried by failed
// results and ERROR_OCCURRED events. The set is closed; middleware and store
// implementations must map their failures onto one of these tokens.
type ErrorType string

const (
	// ValidationError indicates malformed or incomplete caller input.
	ValidationError ErrorType = "VALIDATION_ERROR"
	// SessionNotFound indicates an operation referenced an absent session.
	SessionNotFound ErrorType = "SESSION_NOT_FOUND"
	// SessionExpired indicates a mutation raced the session past its TTL.
	SessionExpired ErrorType = "SESSION_EXPIRED"
	// QuotaExceeded indicates a global or per-user resource cap was reached.
	QuotaExceeded ErrorType = "QUOTA_EXCEEDED"
	// AuthenticationFailed indicates missing or invalid credentials.
	AuthenticationFailed ErrorType = "AUTHENTICATION_FAILED"
	// AuthorizationFailed indicates valid credentials lacking permission.
	AuthorizationFailed ErrorType = "AUTHORIZATION_FAILED"
	// RateLimitExceeded indicates the caller exceeded its request budget.
	RateLimitExceeded ErrorType = "RATE_LIMIT_EXCEEDED"
	// AgentTimeout indicates the request exceeded its configured deadline.
	AgentTimeout ErrorType = "AGENT_TIMEOUT"
	// Cancelled indicates the caller canceled the request.
	Cancelled ErrorType = "CANCELLED"
	// LLMAPIError indicates a model provider failure.
	LLMAPIError ErrorType = "LLM_API_ERROR"
	// LLMRateLimited indicates the model provider throttled the request.
	LLMRateLimited ErrorType = "LLM_RATE_LIMITED"
	// NetworkError indicates a transport-level failure.
	NetworkError ErrorType = "NETWORK_ERROR"
	// StoreError indicates a session store backend failure.
	StoreError ErrorType = "STORE_ERROR"
	// MiddlewareError indicates a middleware raised or misbehaved.
	MiddlewareError ErrorType = "MIDDLEWARE_ERROR"
	// ConfigError indicates an invalid agent configuration.
	ConfigError ErrorType = "CONFIG_ERROR"
	// InternalError is the fallback classification for unexpected failures.
	InternalError ErrorType = "INTERNAL_ERROR"
)

// Retryable reports whether failures of this type are judged safe to repeat.
// Only transient system failures retry; cancellation, timeouts at the request
// level, user-caused errors, and programmer errors never do. Note AgentTimeout
// is retryable when it classifies an inner attempt, but the executor never
// retries once the request-level budget itself has elapsed.
func (t ErrorType) Retryable() bool {
	switch t {
	case AgentTimeout, LLMAPIError, LLMRateLimited, NetworkError, StoreError:
		return true
	}
	return false
}

// Valid reports whether t is one of the closed taxonomy tokens.
func (t ErrorType) Valid() bool {
	switch t {
	case ValidationError, SessionNotFound, SessionExpired, QuotaExceeded,
		AuthenticationFailed, AuthorizationFailed, RateLimitExceeded,
		AgentTimeout, Cancelled, LLMAPIError, LLMRateLimited, NetworkError,
		StoreError, MiddlewareError, ConfigError, InternalError:
		return true
	}
	return false
}

type (
	// Error is a classified runtime error. It pairs a taxonomy token with a
	// human-readable message and an optional wrapped cause, and participates in
	// errors.Is/errors.As chains.
	Error struct {
		// Type is the taxonomy token for this failure.
		Type ErrorType
		// Message is the human-readable description.
		Message string
		// Err is the wrapped cause, if any.
		Err error
	}
)

// NewError builds a classified error with a formatted message.
func NewError(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a classified error wrapping an underlying cause.
func WrapError(t ErrorType, err error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error's classification permits a retry.
func (e *Error) Retryable() bool { return e.Type.Retryable() }

// Classify maps an arbitrary error onto the taxonomy. Classified errors keep
// their token; context cancellation and deadline expiry map to CANCELLED and
// AGENT_TIMEOUT; everything else is INTERNAL_ERROR.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return AgentTimeout
	}
	return InternalError
}

// Retryable reports whether err is judged safe to repeat per the taxonomy.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}
