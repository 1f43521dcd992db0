// Package executor drives single agent executions: request validation, the
// middleware pipeline, model calls with retry and backoff, memory load and
// save, and lifecycle events and metrics around each request.
package executor

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/callback"
	"goa.design/orbit/hooks"
	"goa.design/orbit/memory"
	"goa.design/orbit/metrics"
	"goa.design/orbit/middleware"
	"goa.design/orbit/model"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/tools"
)

// State is the observable lifecycle state of an executor.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateTimedOut  State = "TIMED_OUT"
)

type (
	// Executor runs requests against one agent configuration. Collaborators
	// are injected at construction; all of them are optional except the model
	// client, without which every execution fails with CONFIG_ERROR. Safe for
	// concurrent use; State reports the most recently finished execution.
	Executor struct {
		cfg        agent.Config
		client     model.Client
		bus        *hooks.Bus
		collector  *metrics.Collector
		memory     memory.Provider
		pipeline   *middleware.Pipeline
		tools      tools.Registry
		logger     telemetry.Logger
		batchLimit int

		state atomic.Value // State
	}

	// Option configures an Executor.
	Option func(*Executor)
)

// WithClient sets the model client.
func WithClient(c model.Client) Option { return func(e *Executor) { e.client = c } }

// WithBus sets the event bus for lifecycle events.
func WithBus(b *hooks.Bus) Option { return func(e *Executor) { e.bus = b } }

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option { return func(e *Executor) { e.collector = c } }

// WithMemory sets the conversational memory provider.
func WithMemory(p memory.Provider) Option { return func(e *Executor) { e.memory = p } }

// WithPipeline sets the middleware pipeline wrapped around execution.
func WithPipeline(p *middleware.Pipeline) Option { return func(e *Executor) { e.pipeline = p } }

// WithTools sets the tool registry exposed to generations.
func WithTools(r tools.Registry) Option { return func(e *Executor) { e.tools = r } }

// WithLogger sets the logger. Defaults to noop.
func WithLogger(l telemetry.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithBatchConcurrency overrides the ExecuteBatch worker cap.
func WithBatchConcurrency(n int) Option { return func(e *Executor) { e.batchLimit = n } }

// New builds an executor for the given agent configuration. The config is
// defaulted and validated; violations surface as CONFIG_ERROR.
func New(cfg agent.Config, opts ...Option) (*Executor, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{cfg: cfg.Clone()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.batchLimit <= 0 {
		e.batchLimit = defaultBatchLimit()
	}
	e.state.Store(StateIdle)
	return e, nil
}

func defaultBatchLimit() int {
	n := 2 * runtime.GOMAXPROCS(0)
	if n < 4 {
		n = 4
	}
	return n
}

// Config returns a copy of the executor's agent configuration.
func (e *Executor) Config() agent.Config { return e.cfg.Clone() }

// State returns the lifecycle state of the most recent execution.
func (e *Executor) State() State { return e.state.Load().(State) }

func (e *Executor) setState(s State) { e.state.Store(s) }

// Execute runs one request to completion. It never returns an error: every
// failure is encoded in the result with an error type token from the agent
// package taxonomy.
func (e *Executor) Execute(ctx context.Context, actx *agent.Context) *agent.Result {
	start := time.Now()
	e.setState(StateRunning)

	if err := actx.Validate(); err != nil {
		res := agent.FailureFromError(err)
		res.ExecutionTime = time.Since(start)
		e.setState(StateFailed)
		return res
	}

	labels := metrics.Labels{"agent": actx.AgentID}
	var timer *metrics.Timer
	if e.collector != nil {
		e.collector.IncCounter("agent_requests_total", labels, 1)
		timer = e.collector.StartTimer("agent_request_duration_seconds", labels)
	}
	e.publish(ctx, hooks.ForContext(hooks.TypeAgentStarted, actx))

	mem := e.loadMemory(ctx, actx)

	rctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	res := e.run(rctx, actx)

	if res.Success {
		e.saveMemory(ctx, actx, mem, res)
	}

	res.ExecutionTime = time.Since(start)
	if timer != nil {
		timer.Stop()
	}
	e.finish(ctx, actx, res, labels)
	return res
}

// run places the retry loop relative to the pipeline: an idempotent pipeline
// is re-entered on each attempt, a non-idempotent one is entered once with
// retries confined to the model call.
func (e *Executor) run(ctx context.Context, actx *agent.Context) *agent.Result {
	switch {
	case e.pipeline == nil:
		return e.withRetry(ctx, actx, e.attempt)
	case e.pipeline.Idempotent():
		return e.withRetry(ctx, actx, func(ctx context.Context, actx *agent.Context) *agent.Result {
			return e.pipeline.Run(ctx, actx, e.handler)
		})
	default:
		return e.pipeline.Run(ctx, actx, func(ctx context.Context, actx *agent.Context) (*agent.Result, error) {
			return e.withRetry(ctx, actx, e.attempt), nil
		})
	}
}

func (e *Executor) handler(ctx context.Context, actx *agent.Context) (*agent.Result, error) {
	return e.attempt(ctx, actx), nil
}

// withRetry runs fn up to 1+RetryAttempts times, backing off exponentially
// between attempts and retrying only failures the taxonomy marks retryable.
func (e *Executor) withRetry(ctx context.Context, actx *agent.Context, fn func(context.Context, *agent.Context) *agent.Result) *agent.Result {
	var res *agent.Result
	for attempt := 0; ; attempt++ {
		res = fn(ctx, actx)
		if res.Metadata == nil {
			res.Metadata = make(map[string]any)
		}
		res.Metadata["attempts"] = attempt + 1
		if res.Success || !res.ErrorType().Retryable() || attempt >= e.cfg.RetryAttempts {
			return res
		}
		// A failure caused by the request deadline or cancellation is not
		// retried even when its taxonomy token is retryable.
		if ctx.Err() != nil {
			return res
		}

		evt := hooks.ForContext(hooks.TypeRetryAttempted, actx)
		evt.Metadata = map[string]any{"attempt": attempt + 1}
		evt.ErrorType = res.ErrorType()
		evt.ErrorMessage = res.Error
		e.publish(ctx, evt)
		if e.collector != nil {
			e.collector.IncCounter("agent_retries_total", metrics.Labels{"agent": actx.AgentID}, 1)
		}

		select {
		case <-ctx.Done():
			return agent.FailureFromError(agent.WrapError(agent.Classify(ctx.Err()), ctx.Err(), "aborted during backoff"))
		case <-time.After(e.backoff(attempt)):
		}
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := float64(e.cfg.RetryBaseDelay) * math.Pow(e.cfg.RetryMultiplier, float64(attempt))
	if d > float64(e.cfg.RetryMaxDelay) {
		d = float64(e.cfg.RetryMaxDelay)
	}
	return time.Duration(d)
}

// attempt performs a single model call.
func (e *Executor) attempt(ctx context.Context, actx *agent.Context) *agent.Result {
	if e.client == nil {
		return agent.Failure(agent.ConfigError, "model client not configured")
	}
	resp, err := e.client.Generate(ctx, e.request(ctx, actx))
	if err != nil {
		return agent.FailureFromError(e.classify(err))
	}
	res := agent.Success(resp.Output)
	res.TokensUsed = resp.TokensUsed
	return res
}

// request assembles the model request from the agent config and the
// per-request context. Metadata["model"] overrides the configured model.
func (e *Executor) request(ctx context.Context, actx *agent.Context) model.Request {
	mdl := e.cfg.Model
	if v, ok := actx.Metadata["model"].(string); ok && v != "" {
		mdl = v
	}
	req := model.Request{
		Model:            mdl,
		Prompt:           actx.Task,
		SystemPrompt:     e.cfg.SystemPrompt,
		Temperature:      e.cfg.Temperature,
		TopP:             e.cfg.TopP,
		MaxTokens:        e.cfg.MaxTokens,
		FrequencyPenalty: e.cfg.FrequencyPenalty,
		PresencePenalty:  e.cfg.PresencePenalty,
		Stop:             append([]string(nil), e.cfg.StopSequences...),
	}
	if e.bus != nil {
		req.Callback = callback.NewHandler(actx, e.bus, 0)
	}
	if e.tools != nil {
		req.Tools = &toolDispatcher{reg: e.tools, cb: req.Callback}
	}
	return req
}

// toolDispatcher surfaces tool invocations through the request callback so
// subscribers observe LLM_TOOL_CALL_START and LLM_TOOL_CALL_END around each
// dispatch, including failures.
type toolDispatcher struct {
	reg tools.Registry
	cb  model.Callback
}

func (d *toolDispatcher) Invoke(ctx context.Context, name string, args map[string]any, creds map[string]string) (any, error) {
	if d.cb != nil {
		d.cb.OnToolCallStart(ctx, name, args)
	}
	out, err := d.reg.Invoke(ctx, name, args, creds)
	if d.cb != nil {
		d.cb.OnToolCallEnd(ctx, name, out, err)
	}
	return out, err
}

// classify maps model sentinel errors and context errors onto the taxonomy.
func (e *Executor) classify(err error) error {
	switch {
	case errors.Is(err, model.ErrRateLimited):
		return agent.WrapError(agent.LLMRateLimited, err, "model call")
	case errors.Is(err, model.ErrUnavailable):
		return agent.WrapError(agent.NetworkError, err, "model call")
	case errors.Is(err, context.DeadlineExceeded):
		return agent.WrapError(agent.AgentTimeout, err, "model call")
	case errors.Is(err, context.Canceled):
		return agent.WrapError(agent.Cancelled, err, "model call")
	}
	var aerr *agent.Error
	if errors.As(err, &aerr) {
		return err
	}
	return agent.WrapError(agent.LLMAPIError, err, "model call")
}

// loadMemory restores session state best-effort; failures are logged, never
// fatal.
func (e *Executor) loadMemory(ctx context.Context, actx *agent.Context) map[string]any {
	if e.memory == nil || actx.SessionID == "" {
		return nil
	}
	state, err := e.memory.Load(ctx, actx.SessionID)
	if err != nil {
		e.logger.Warn(ctx, "memory load failed", "session_id", actx.SessionID, "err", err.Error())
		return nil
	}
	if len(state) > 0 {
		if actx.Metadata == nil {
			actx.Metadata = make(map[string]any, 1)
		}
		actx.Metadata["memory"] = state
	}
	return state
}

// saveMemory persists the updated session state best-effort.
func (e *Executor) saveMemory(ctx context.Context, actx *agent.Context, state map[string]any, res *agent.Result) {
	if e.memory == nil || actx.SessionID == "" {
		return
	}
	if state == nil {
		state = make(map[string]any)
	}
	state["last_task"] = actx.Task
	state["last_output"] = res.Output
	if err := e.memory.Save(ctx, actx.SessionID, state); err != nil {
		e.logger.Warn(ctx, "memory save failed", "session_id", actx.SessionID, "err", err.Error())
	}
}

// finish records the terminal state, metrics, and lifecycle event. The event
// is published on a detached context so a canceled or timed-out request still
// delivers its terminal event to subscribers.
func (e *Executor) finish(ctx context.Context, actx *agent.Context, res *agent.Result, labels metrics.Labels) {
	ctx = context.WithoutCancel(ctx)
	if res.Success {
		e.setState(StateCompleted)
		if e.collector != nil {
			e.collector.IncCounter("agent_requests_completed_total", labels, 1)
		}
		evt := hooks.ForContext(hooks.TypeAgentCompleted, actx)
		evt.ExecutionTime = res.ExecutionTime
		evt.Metadata = map[string]any{"tokens_used": res.TokensUsed}
		e.publish(ctx, evt)
		return
	}

	switch res.ErrorType() {
	case agent.Cancelled:
		e.setState(StateCancelled)
	case agent.AgentTimeout:
		e.setState(StateTimedOut)
	default:
		e.setState(StateFailed)
	}
	if e.collector != nil {
		e.collector.IncCounter("agent_requests_failed_total", labels, 1)
	}
	evt := hooks.ForContext(hooks.TypeErrorOccurred, actx)
	evt.ExecutionTime = res.ExecutionTime
	evt.ErrorMessage = res.Error
	evt.ErrorType = res.ErrorType()
	e.publish(ctx, evt)
}

func (e *Executor) publish(ctx context.Context, evt hooks.Event) {
	if e.bus != nil {
		e.bus.Publish(ctx, evt)
	}
}
