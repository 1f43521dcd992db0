// Package hooks implements the in-process publish/subscribe event bus for
// runtime observability.
//
// The runtime publishes lifecycle events (execution start/completion, retries,
// session and checkpoint changes, model tokens) to the bus; subscribers react
// without coupling producers to consumers. Subscriptions are per event type,
// with the TypeAny sentinel matching every published event.
//
// Dispatch is bounded and isolated: handlers for one publication run
// concurrently up to a configurable cap, each under its own timeout, and one
// handler's failure never prevents its siblings from being attempted. Publish
// returns the number of handlers successfully invoked. The bus keeps a
// ring-buffered history of recent events for debugging.
//
// Typical usage:
//
//	bus := hooks.NewBus(hooks.Config{})
//
//	id := bus.Subscribe(hooks.TypeAgentCompleted, func(ctx context.Context, evt hooks.Event) error {
//	    fmt.Printf("agent %s completed in %v\n", evt.AgentID, evt.ExecutionTime)
//	    return nil
//	})
//	defer bus.Unsubscribe(id)
//
//	bus.Publish(ctx, hooks.Event{Type: hooks.TypeAgentCompleted, AgentID: "chat"})
package hooks

import (
	"context"
	"time"

	"goa.design/orbit/agent"
)

// EventType enumerates the closed set of runtime events published on the bus.
type EventType string

const (
	// TypeAgentStarted fires when an execution begins.
	TypeAgentStarted EventType = "AGENT_STARTED"
	// TypeAgentCompleted fires after an execution finishes successfully.
	TypeAgentCompleted EventType = "AGENT_COMPLETED"
	// TypeRetryAttempted fires before each retry of a transient failure.
	TypeRetryAttempted EventType = "RETRY_ATTEMPTED"
	// TypeErrorOccurred fires when an execution fails terminally.
	TypeErrorOccurred EventType = "ERROR_OCCURRED"
	// TypeSessionCreated fires when a session is created.
	TypeSessionCreated EventType = "SESSION_CREATED"
	// TypeSessionExpired fires when a session is removed by TTL expiry.
	TypeSessionExpired EventType = "SESSION_EXPIRED"
	// TypeSessionDeleted fires when a session is deleted explicitly.
	TypeSessionDeleted EventType = "SESSION_DELETED"
	// TypeCheckpointSaved fires after a checkpoint is persisted.
	TypeCheckpointSaved EventType = "CHECKPOINT_SAVED"
	// TypeCheckpointRestored fires after a checkpoint is loaded into memory.
	TypeCheckpointRestored EventType = "CHECKPOINT_RESTORED"
	// TypeMiddlewareExecuted fires after a middleware completes.
	TypeMiddlewareExecuted EventType = "MIDDLEWARE_EXECUTED"
	// TypeMiddlewareFailed fires when a middleware raises or fails.
	TypeMiddlewareFailed EventType = "MIDDLEWARE_FAILED"
	// TypeLLMToken fires for each streamed model token.
	TypeLLMToken EventType = "LLM_TOKEN"
	// TypeLLMToolCallStart fires when the model begins a tool invocation.
	TypeLLMToolCallStart EventType = "LLM_TOOL_CALL_START"
	// TypeLLMToolCallEnd fires when a tool invocation completes or fails.
	TypeLLMToolCallEnd EventType = "LLM_TOOL_CALL_END"
	// TypeLLMError fires when the model reports an error mid-stream.
	TypeLLMError EventType = "LLM_ERROR"
	// TypeCustom is reserved for application-defined events.
	TypeCustom EventType = "CUSTOM"
	// TypeAny is the wildcard subscription sentinel matching every event.
	// Events are never published with TypeAny.
	TypeAny EventType = "ANY"
)

type (
	// Event is the payload delivered to subscribers. Events are values;
	// handlers receive independent copies and cannot affect other handlers.
	Event struct {
		// Type is the event classification.
		Type EventType
		// AgentID identifies the agent that produced the event.
		AgentID string
		// UserID identifies the requesting user, when known.
		UserID string
		// SessionID identifies the session, when known.
		SessionID string
		// Timestamp is the publication time in Unix milliseconds. Publish
		// stamps it when zero.
		Timestamp int64
		// Metadata carries event-specific annotations.
		Metadata map[string]any
		// ExecutionTime is the request duration for completion events.
		ExecutionTime time.Duration
		// ErrorMessage describes the failure for error events.
		ErrorMessage string
		// ErrorType classifies the failure for error events.
		ErrorType agent.ErrorType
		// TraceID is the caller-supplied correlator, when known.
		TraceID string
	}

	// Handler processes a single published event. The context carries the
	// per-handler timeout; handlers should respect its cancellation. An error
	// return counts as a delivery failure for that handler only.
	Handler func(ctx context.Context, event Event) error
)

// NewEvent builds an event of the given type stamped with the current time.
func NewEvent(t EventType, agentID string) Event {
	return Event{
		Type:      t,
		AgentID:   agentID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ForContext builds an event carrying the identity and trace fields of the
// given request context.
func ForContext(t EventType, actx *agent.Context) Event {
	evt := NewEvent(t, actx.AgentID)
	evt.UserID = actx.UserID
	evt.SessionID = actx.SessionID
	evt.TraceID = actx.TraceID()
	return evt
}
