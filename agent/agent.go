// Package agent defines the shared request and response types exchanged by the
// runtime subsystems: the per-request Context, the per-request Result, the
// immutable agent Config, and the error taxonomy used to classify failures.
//
// These types are deliberately free of behavior beyond validation and cloning
// so that every subsystem (pipeline, executor, factory, callback handler) can
// depend on them without import cycles.
package agent

import (
	"time"
)

type (
	// Context carries the per-request input for an agent execution. Identity
	// fields (AgentID, UserID, SessionID) are set by the caller and must not be
	// rewritten by middlewares; Metadata is the per-request extension point
	// (auth tokens, trace IDs, model overrides).
	Context struct {
		// AgentID identifies the agent configuration handling the request.
		AgentID string
		// UserID identifies the requesting user.
		UserID string
		// SessionID associates the request with a durable session.
		SessionID string
		// Task is the user-facing instruction for this request. Required.
		Task string
		// Metadata stores caller- and middleware-provided extensions. Well-known
		// keys include "auth_token", "trace_id", and "model".
		Metadata map[string]any
		// CreatedAt records when the request context was built.
		CreatedAt time.Time
	}

	// Result is the per-request output of an agent execution. A failed result
	// always carries a non-empty Error and a Metadata["error_type"] token from
	// the taxonomy in this package.
	Result struct {
		// Success reports whether the execution produced a usable output.
		Success bool
		// Output is the generated response text. Empty on failure.
		Output string
		// Error is a human-readable failure description. Empty on success.
		Error string
		// Metadata stores execution annotations (error_type, attempts, model).
		Metadata map[string]any
		// TokensUsed is the total model token consumption for the request.
		TokensUsed int
		// ExecutionTime is the wall-clock duration of the execution.
		ExecutionTime time.Duration
	}
)

// NewContext builds a request context with the given identity and task,
// stamping CreatedAt with the current time. Metadata starts empty.
func NewContext(agentID, userID, sessionID, task string) *Context {
	return &Context{
		AgentID:   agentID,
		UserID:    userID,
		SessionID: sessionID,
		Task:      task,
		Metadata:  make(map[string]any),
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks that the context identifies an agent, a user, a session, and
// a non-empty task. It returns a VALIDATION_ERROR typed error describing the
// first missing field.
func (c *Context) Validate() error {
	switch {
	case c == nil:
		return NewError(ValidationError, "context is required")
	case c.AgentID == "":
		return NewError(ValidationError, "agent id is required")
	case c.UserID == "":
		return NewError(ValidationError, "user id is required")
	case c.SessionID == "":
		return NewError(ValidationError, "session id is required")
	case c.Task == "":
		return NewError(ValidationError, "task is required")
	}
	return nil
}

// Clone returns a copy of the context with its own metadata map so that
// concurrent executions never share per-request state.
func (c *Context) Clone() *Context {
	out := *c
	out.Metadata = make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// TraceID returns the caller-supplied trace correlator, if any.
func (c *Context) TraceID() string {
	if v, ok := c.Metadata["trace_id"].(string); ok {
		return v
	}
	return ""
}

// Success builds a successful result with the given output.
func Success(output string) *Result {
	return &Result{
		Success:  true,
		Output:   output,
		Metadata: make(map[string]any),
	}
}

// Failure builds a failed result carrying the given error type token and a
// human-readable message. The token is stamped into Metadata["error_type"].
func Failure(errType ErrorType, msg string) *Result {
	return &Result{
		Success:  false,
		Error:    msg,
		Metadata: map[string]any{"error_type": string(errType)},
	}
}

// FailureFromError builds a failed result from err, classifying it into the
// taxonomy when it is not already an *Error. Internal details are redacted for
// INTERNAL_ERROR and STORE_ERROR per the user-visibility contract.
func FailureFromError(err error) *Result {
	et := Classify(err)
	msg := err.Error()
	switch et {
	case InternalError:
		msg = "internal error"
	case StoreError:
		msg = "storage error"
	}
	return Failure(et, msg)
}

// ErrorType returns the machine-readable error token of a failed result, or
// the empty string for successful results.
func (r *Result) ErrorType() ErrorType {
	if r == nil || r.Metadata == nil {
		return ""
	}
	if v, ok := r.Metadata["error_type"].(string); ok {
		return ErrorType(v)
	}
	return ""
}
