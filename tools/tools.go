// Package tools defines the tool invocation contract agents call into
// during generation.
package tools

import (
	"context"
	"sync"

	"goa.design/orbit/agent"
)

type (
	// Func is one registered tool implementation.
	Func func(ctx context.Context, args map[string]any, creds map[string]string) (any, error)

	// Registry resolves and invokes tools by name. Implementations must be
	// safe for concurrent use.
	Registry interface {
		// Invoke runs the named tool. Unknown names fail with a typed
		// VALIDATION_ERROR.
		Invoke(ctx context.Context, name string, args map[string]any, creds map[string]string) (any, error)
		// Names lists the registered tool names.
		Names() []string
	}
)

// InmemRegistry is a map-backed Registry for wiring and tests.
type InmemRegistry struct {
	mu    sync.RWMutex
	tools map[string]Func
}

// NewInmem returns an empty in-process registry.
func NewInmem() *InmemRegistry {
	return &InmemRegistry{tools: make(map[string]Func)}
}

// Register adds or replaces a tool under name.
func (r *InmemRegistry) Register(name string, fn Func) {
	r.mu.Lock()
	r.tools[name] = fn
	r.mu.Unlock()
}

// Invoke implements Registry.
func (r *InmemRegistry) Invoke(ctx context.Context, name string, args map[string]any, creds map[string]string) (any, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, agent.NewError(agent.ValidationError, "unknown tool %q", name)
	}
	return fn(ctx, args, creds)
}

// Names implements Registry.
func (r *InmemRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

var _ Registry = (*InmemRegistry)(nil)
