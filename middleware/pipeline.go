package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"goa.design/orbit/agent"
	"goa.design/orbit/telemetry"
)

// Pipeline is an ordered middleware chain. Registration copies the chain so
// Run never takes a lock; in-flight requests keep the snapshot they started
// with. The zero value is not usable; construct with NewPipeline.
type Pipeline struct {
	logger telemetry.Logger

	mu    sync.Mutex // serializes registration
	chain atomic.Pointer[[]Middleware]
}

// NewPipeline returns an empty pipeline. A nil logger defaults to noop.
func NewPipeline(logger telemetry.Logger) *Pipeline {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	p := &Pipeline{logger: logger}
	p.chain.Store(&[]Middleware{})
	return p
}

// Use registers mw, keeping the chain sorted by priority with stable
// insertion order among equals. Registering a second middleware with the same
// name replaces the first.
func (p *Pipeline) Use(mw Middleware) error {
	if mw == nil {
		return fmt.Errorf("middleware is required")
	}
	if mw.Name() == "" {
		return fmt.Errorf("middleware name is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.chain.Load()
	next := make([]Middleware, 0, len(cur)+1)
	for _, m := range cur {
		if m.Name() != mw.Name() {
			next = append(next, m)
		}
	}
	next = append(next, mw)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority() < next[j].Priority() })
	p.chain.Store(&next)
	return nil
}

// Remove unregisters the middleware with the given name. It reports whether
// one was removed. In-flight requests are unaffected.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.chain.Load()
	next := make([]Middleware, 0, len(cur))
	removed := false
	for _, m := range cur {
		if m.Name() == name {
			removed = true
			continue
		}
		next = append(next, m)
	}
	if removed {
		p.chain.Store(&next)
	}
	return removed
}

// Get returns the registered middleware with the given name, or nil.
func (p *Pipeline) Get(name string) Middleware {
	for _, m := range *p.chain.Load() {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

// Clear removes every middleware.
func (p *Pipeline) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain.Store(&[]Middleware{})
}

// Len returns the number of registered middlewares.
func (p *Pipeline) Len() int {
	return len(*p.chain.Load())
}

// Names returns the registered middleware names in execution order.
func (p *Pipeline) Names() []string {
	cur := *p.chain.Load()
	names := make([]string, len(cur))
	for i, m := range cur {
		names[i] = m.Name()
	}
	return names
}

// Idempotent reports whether every enabled middleware is idempotent, in which
// case a retried request may safely re-enter the whole pipeline.
func (p *Pipeline) Idempotent() bool {
	for _, m := range *p.chain.Load() {
		if m.Enabled() && !m.Idempotent() {
			return false
		}
	}
	return true
}

// Run threads the request through every enabled middleware and the handler
// and returns the final result. Run never returns an error: middleware
// errors, panics, and handler failures are all encoded as failed results.
func (p *Pipeline) Run(ctx context.Context, actx *agent.Context, handler Handler) *agent.Result {
	chain := *p.chain.Load()
	next := Next(func(ctx context.Context) (*Result, error) {
		res, err := handler(ctx, actx)
		if err != nil {
			return &Result{AgentResult: agent.FailureFromError(err)}, nil
		}
		return &Result{AgentResult: res}, nil
	})
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		if !mw.Enabled() {
			continue
		}
		inner := next
		next = func(ctx context.Context) (*Result, error) {
			return p.invoke(ctx, actx, mw, inner)
		}
	}

	res, err := next(ctx)
	if err != nil {
		return agent.FailureFromError(err)
	}
	if res == nil || res.AgentResult == nil {
		return agent.Failure(agent.MiddlewareError, "pipeline produced no result")
	}
	return res.AgentResult
}

// invoke runs one middleware layer. A returned error or a panic becomes a
// failed MIDDLEWARE_ERROR result that unwinds normally through the outer
// layers. A result carrying SkipAgent or SkipRest needs no handling here: the
// middleware returned without invoking its inner chain, so the layers beneath
// it were never entered and the result unwinds through the outer layers like
// any other.
func (p *Pipeline) invoke(ctx context.Context, actx *agent.Context, mw Middleware, inner Next) (res *Result, err error) {
	called := false
	guard := Next(func(ctx context.Context) (*Result, error) {
		if called {
			return nil, agent.NewError(agent.MiddlewareError, "middleware %s called next more than once", mw.Name())
		}
		called = true
		return inner(ctx)
	})

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, "middleware panic", "middleware", mw.Name(), "panic", fmt.Sprint(r))
			res = &Result{AgentResult: agent.Failure(agent.MiddlewareError,
				fmt.Sprintf("middleware %s panicked", mw.Name()))}
			err = nil
		}
	}()

	out, perr := mw.Process(ctx, actx, guard)
	if perr != nil {
		p.logger.Warn(ctx, "middleware failed", "middleware", mw.Name(), "err", perr.Error())
		return &Result{AgentResult: agent.Failure(agent.MiddlewareError,
			fmt.Sprintf("middleware %s: %v", mw.Name(), perr))}, nil
	}
	if out == nil {
		return &Result{AgentResult: agent.Failure(agent.MiddlewareError,
			fmt.Sprintf("middleware %s returned no result", mw.Name()))}, nil
	}
	return out, nil
}
