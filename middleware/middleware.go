// Package middleware implements the request processing pipeline that wraps
// agent execution. Middlewares form an onion around the handler: lower
// priority runs outermost, each layer may observe and rewrite the result on
// the way out or short-circuit the layers beneath it.
package middleware

import (
	"context"

	"goa.design/orbit/agent"
)

// Priorities of the built-in middlewares. Lower runs outermost.
const (
	PriorityAuth      = 10
	PriorityRateLimit = 20
	PriorityLogging   = 30
	PriorityMetrics   = 40
)

type (
	// Next invokes the remainder of the pipeline (deeper middlewares, then the
	// handler). A middleware may call it at most once; not calling it
	// short-circuits everything beneath the middleware. Errors returned by
	// Next must be passed through unchanged.
	Next func(ctx context.Context) (*Result, error)

	// Handler is the innermost unit of work the pipeline wraps, typically the
	// agent execution itself.
	Handler func(ctx context.Context, actx *agent.Context) (*agent.Result, error)

	// Result is the value threaded through the pipeline.
	//
	// Both skip flags describe a middleware that returned without calling
	// Next: the layers beneath it (inner middlewares and the handler) are not
	// entered, while every outer layer still observes the result during its
	// post-processing. SkipAgent records that the handler was deliberately
	// bypassed; SkipRest records that the remainder of the inward chain was
	// terminated. Setting both means the middleware returned immediately and
	// the outer unwind proceeds as usual.
	Result struct {
		// AgentResult is the execution outcome carried through the layers.
		AgentResult *agent.Result
		// SkipAgent records that the handler was bypassed.
		SkipAgent bool
		// SkipRest records that the inward chain was terminated.
		SkipRest bool
	}

	// Middleware is one pipeline layer. Implementations must be safe for
	// concurrent use; one instance serves every in-flight request.
	Middleware interface {
		// Name identifies the middleware within a pipeline. Unique per pipeline.
		Name() string
		// Priority orders the middleware; lower runs outermost. Equal
		// priorities keep insertion order.
		Priority() int
		// Enabled reports whether the middleware participates in Run.
		Enabled() bool
		// Idempotent reports whether re-running the middleware for the same
		// request is safe. A pipeline containing any non-idempotent middleware
		// is entered once per request even when the handler is retried.
		Idempotent() bool
		// Process handles one request. It may call next at most once.
		Process(ctx context.Context, actx *agent.Context, next Next) (*Result, error)
	}
)
