// Package callback bridges model generation progress onto the event bus and
// keeps a bounded in-memory trace of recent callbacks.
package callback

import (
	"context"
	"sync"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/hooks"
	"goa.design/orbit/model"
)

// DefaultMaxRecords is the trace ring capacity applied by NewHandler.
const DefaultMaxRecords = 1000

// Kind labels a callback record.
type Kind string

const (
	KindToken         Kind = "token"
	KindToolCallStart Kind = "tool_call_start"
	KindToolCallEnd   Kind = "tool_call_end"
	KindError         Kind = "error"
)

type (
	// Record is one observed callback.
	Record struct {
		// Kind labels what was observed.
		Kind Kind
		// Timestamp is the observation time in Unix milliseconds.
		Timestamp int64
		// Token is the generated fragment for KindToken.
		Token string
		// Tool names the tool for tool call records.
		Tool string
		// Err is the failure for KindError and failed tool calls.
		Err string
	}

	// Handler implements model.Callback for one request. It publishes LLM
	// events on the bus (when one is attached) and records every callback in
	// a FIFO ring. Safe for concurrent callbacks.
	Handler struct {
		actx *agent.Context
		bus  *hooks.Bus
		max  int

		mu      sync.Mutex
		records []Record
	}
)

// NewHandler binds a handler to the given request context. A nil bus
// disables event publication; maxRecords <= 0 takes the default.
func NewHandler(actx *agent.Context, bus *hooks.Bus, maxRecords int) *Handler {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Handler{actx: actx, bus: bus, max: maxRecords}
}

// OnToken implements model.Callback.
func (h *Handler) OnToken(ctx context.Context, token string) {
	h.record(Record{Kind: KindToken, Token: token})
	h.publish(ctx, hooks.TypeLLMToken, map[string]any{"token": token}, "")
}

// OnToolCallStart implements model.Callback.
func (h *Handler) OnToolCallStart(ctx context.Context, tool string, args map[string]any) {
	h.record(Record{Kind: KindToolCallStart, Tool: tool})
	h.publish(ctx, hooks.TypeLLMToolCallStart, map[string]any{"tool": tool, "args": args}, "")
}

// OnToolCallEnd implements model.Callback.
func (h *Handler) OnToolCallEnd(ctx context.Context, tool string, result any, err error) {
	rec := Record{Kind: KindToolCallEnd, Tool: tool}
	md := map[string]any{"tool": tool, "result": result}
	errMsg := ""
	if err != nil {
		rec.Err = err.Error()
		errMsg = err.Error()
	}
	h.record(rec)
	h.publish(ctx, hooks.TypeLLMToolCallEnd, md, errMsg)
}

// OnError implements model.Callback.
func (h *Handler) OnError(ctx context.Context, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.record(Record{Kind: KindError, Err: msg})
	h.publish(ctx, hooks.TypeLLMError, nil, msg)
}

// Records returns a copy of the retained callback trace, oldest first.
func (h *Handler) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...)
}

func (h *Handler) record(rec Record) {
	rec.Timestamp = time.Now().UnixMilli()
	h.mu.Lock()
	if len(h.records) == h.max {
		copy(h.records, h.records[1:])
		h.records = h.records[:len(h.records)-1]
	}
	h.records = append(h.records, rec)
	h.mu.Unlock()
}

func (h *Handler) publish(ctx context.Context, t hooks.EventType, md map[string]any, errMsg string) {
	if h.bus == nil {
		return
	}
	evt := hooks.ForContext(t, h.actx)
	evt.Metadata = md
	evt.ErrorMessage = errMsg
	h.bus.Publish(ctx, evt)
}

var _ model.Callback = (*Handler)(nil)
