// Package memory defines the conversational state contract the executor
// loads before a request and saves after it.
package memory

import (
	"context"
	"fmt"
	"sync"

	"goa.design/orbit/session"
)

// Provider persists per-session conversational state. Implementations must
// be safe for concurrent use. Load of an unknown session returns an empty
// state, not an error.
type Provider interface {
	Load(ctx context.Context, sessionID string) (map[string]any, error)
	Save(ctx context.Context, sessionID string, state map[string]any) error
}

type inmemProvider struct {
	mu     sync.RWMutex
	states map[string]map[string]any
}

// NewInmemProvider returns a map-backed provider for tests and
// single-process deployments.
func NewInmemProvider() Provider {
	return &inmemProvider{states: make(map[string]map[string]any)}
}

func (p *inmemProvider) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	state := make(map[string]any, len(p.states[sessionID]))
	for k, v := range p.states[sessionID] {
		state[k] = v
	}
	return state, nil
}

func (p *inmemProvider) Save(ctx context.Context, sessionID string, state map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied := make(map[string]any, len(state))
	for k, v := range state {
		copied[k] = v
	}
	p.mu.Lock()
	p.states[sessionID] = copied
	p.mu.Unlock()
	return nil
}

type checkpointProvider struct {
	mgr *session.Manager
}

// NewCheckpointProvider returns a provider that persists state as session
// checkpoints: Save appends a checkpoint, Load restores the latest one.
func NewCheckpointProvider(mgr *session.Manager) (Provider, error) {
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	return &checkpointProvider{mgr: mgr}, nil
}

func (p *checkpointProvider) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	cp, err := p.mgr.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return map[string]any{}, nil
	}
	return cp.Payload, nil
}

func (p *checkpointProvider) Save(ctx context.Context, sessionID string, state map[string]any) error {
	_, err := p.mgr.SaveCheckpoint(ctx, sessionID, state, "memory")
	return err
}
