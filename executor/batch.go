package executor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"goa.design/orbit/agent"
)

// ExecuteBatch runs every context concurrently, bounded by the configured
// batch concurrency, and returns results indexed by input position. Like
// Execute it never fails as a whole: each element carries its own outcome.
func (e *Executor) ExecuteBatch(ctx context.Context, actxs []*agent.Context) []*agent.Result {
	results := make([]*agent.Result, len(actxs))
	var g errgroup.Group
	g.SetLimit(e.batchLimit)
	for i, actx := range actxs {
		g.Go(func() error {
			if actx == nil {
				results[i] = agent.Failure(agent.ValidationError, "context is required")
				return nil
			}
			results[i] = e.Execute(ctx, actx)
			return nil
		})
	}
	g.Wait() // nolint: errcheck
	return results
}
