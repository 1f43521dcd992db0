package executor

import (
	"context"
	"io"
	"sync"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/hooks"
	"goa.design/orbit/model"
)

// execStream wraps the provider stream to tie its lifetime to the request
// timeout and to publish the terminal lifecycle event exactly once.
type execStream struct {
	inner  model.Stream
	cancel context.CancelFunc
	once   sync.Once
	done   func(err error)
}

// ExecuteStream begins a streaming execution. Fragments are relayed from the
// provider; closing the returned stream cancels the underlying call. The
// terminal event (AGENT_COMPLETED on EOF, ERROR_OCCURRED on failure) fires
// when the consumer drains or closes the stream.
func (e *Executor) ExecuteStream(ctx context.Context, actx *agent.Context) (model.Stream, error) {
	e.setState(StateRunning)
	if err := actx.Validate(); err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	if e.client == nil {
		e.setState(StateFailed)
		return nil, agent.NewError(agent.ConfigError, "model client not configured")
	}

	if e.collector != nil {
		e.collector.IncCounter("agent_requests_total", map[string]string{"agent": actx.AgentID}, 1)
	}
	e.publish(ctx, hooks.ForContext(hooks.TypeAgentStarted, actx))

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	start := time.Now()
	inner, err := e.client.GenerateStream(sctx, e.request(sctx, actx))
	if err != nil {
		cancel()
		cerr := e.classify(err)
		res := agent.FailureFromError(cerr)
		res.ExecutionTime = time.Since(start)
		e.finish(ctx, actx, res, map[string]string{"agent": actx.AgentID})
		return nil, cerr
	}

	return &execStream{
		inner:  inner,
		cancel: cancel,
		done: func(serr error) {
			var res *agent.Result
			if serr == nil {
				res = agent.Success("")
			} else {
				res = agent.FailureFromError(e.classify(serr))
			}
			res.ExecutionTime = time.Since(start)
			e.finish(ctx, actx, res, map[string]string{"agent": actx.AgentID})
		},
	}, nil
}

// Recv implements model.Stream.
func (s *execStream) Recv() (string, error) {
	tok, err := s.inner.Recv()
	if err == io.EOF {
		s.finish(nil)
		return "", io.EOF
	}
	if err != nil {
		s.finish(err)
		return "", err
	}
	return tok, nil
}

// Close implements model.Stream. Closing before EOF reports a cancelled
// execution.
func (s *execStream) Close() error {
	s.finish(context.Canceled)
	s.cancel()
	return s.inner.Close()
}

func (s *execStream) finish(err error) {
	s.once.Do(func() {
		s.done(err)
		if err != nil {
			s.cancel()
		}
	})
}
