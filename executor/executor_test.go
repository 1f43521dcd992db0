package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/agent"
	"goa.design/orbit/hooks"
	"goa.design/orbit/memory"
	"goa.design/orbit/metrics"
	"goa.design/orbit/middleware"
	"goa.design/orbit/model"
	"goa.design/orbit/model/mock"
	"goa.design/orbit/tools"
)

func testConfig() agent.Config {
	return agent.Config{
		Name:           "chat",
		Model:          "test-model",
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		Timeout:        time.Second,
	}
}

func testCtx() *agent.Context {
	return agent.NewContext("chat", "u1", "s1", "say hi")
}

func TestExecuteSuccess(t *testing.T) {
	client := mock.New().AddResponse("hi there", 7)
	e, err := New(testConfig(), WithClient(client))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success)
	require.Equal(t, "hi there", res.Output)
	require.Equal(t, 7, res.TokensUsed)
	require.Equal(t, 1, res.Metadata["attempts"])
	require.Positive(t, res.ExecutionTime)
	require.Equal(t, StateCompleted, e.State())

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "test-model", reqs[0].Model)
	require.Equal(t, "say hi", reqs[0].Prompt)
}

func TestExecuteValidation(t *testing.T) {
	e, err := New(testConfig(), WithClient(mock.New()))
	require.NoError(t, err)

	actx := testCtx()
	actx.Task = ""
	res := e.Execute(context.Background(), actx)
	require.False(t, res.Success)
	require.Equal(t, agent.ValidationError, res.ErrorType())
	require.Equal(t, StateFailed, e.State())
}

func TestExecuteNoClient(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.False(t, res.Success)
	require.Equal(t, agent.ConfigError, res.ErrorType())
}

func TestRetryOnTransientFailure(t *testing.T) {
	// Scenario: two retryable failures, then success on the third attempt.
	client := mock.New().
		AddError(model.ErrUnavailable).
		AddError(model.ErrRateLimited).
		AddResponse("ok", 1)
	bus := hooks.NewBus(hooks.Config{})
	var retries []int
	bus.Subscribe(hooks.TypeRetryAttempted, func(ctx context.Context, evt hooks.Event) error {
		retries = append(retries, evt.Metadata["attempt"].(int))
		return nil
	})

	e, err := New(testConfig(), WithClient(client), WithBus(bus))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success)
	require.Equal(t, "ok", res.Output)
	require.Equal(t, 3, res.Metadata["attempts"])
	require.Equal(t, []int{1, 2}, retries)
	require.Equal(t, 3, client.Calls())
}

func TestNoRetryOnNonRetryableFailure(t *testing.T) {
	// A typed non-retryable failure burns no retry budget.
	client := mock.New().AddError(agent.NewError(agent.AuthenticationFailed, "key revoked"))
	e, err := New(testConfig(), WithClient(client))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.False(t, res.Success)
	require.Equal(t, agent.AuthenticationFailed, res.ErrorType())
	require.Equal(t, 1, res.Metadata["attempts"])
	require.Equal(t, 1, client.Calls())
}

func TestRetryExhaustionKeepsLastError(t *testing.T) {
	client := mock.New().AddError(model.ErrUnavailable)
	e, err := New(testConfig(), WithClient(client))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.False(t, res.Success)
	require.Equal(t, agent.NetworkError, res.ErrorType())
	require.Equal(t, 3, res.Metadata["attempts"])
	require.Equal(t, StateFailed, e.State())
}

// blockingClient blocks Generate until its context is done.
type blockingClient struct{}

func (blockingClient) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	<-ctx.Done()
	return model.Response{}, ctx.Err()
}

func (blockingClient) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancellationPropagates(t *testing.T) {
	// Scenario: caller cancels mid-flight; the executor returns promptly with
	// a CANCELLED result.
	e, err := New(testConfig(), WithClient(blockingClient{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := e.Execute(ctx, testCtx())
	require.Less(t, time.Since(start), 120*time.Millisecond)
	require.False(t, res.Success)
	require.Equal(t, agent.Cancelled, res.ErrorType())
	require.Equal(t, StateCancelled, e.State())
}

func TestTerminalEventDeliveredAfterCancellation(t *testing.T) {
	// The terminal ERROR_OCCURRED event must reach subscribers even though the
	// request context is already canceled when it is published.
	bus := hooks.NewBus(hooks.Config{})
	events := make(chan hooks.Event, 1)
	bus.Subscribe(hooks.TypeErrorOccurred, func(ctx context.Context, evt hooks.Event) error {
		events <- evt
		return nil
	})

	e, err := New(testConfig(), WithClient(blockingClient{}), WithBus(bus))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, testCtx())
	require.False(t, res.Success)
	require.Equal(t, agent.Cancelled, res.ErrorType())

	select {
	case evt := <-events:
		require.Equal(t, agent.Cancelled, evt.ErrorType)
		require.Equal(t, "chat", evt.AgentID)
	case <-time.After(time.Second):
		t.Fatal("ERROR_OCCURRED not delivered after cancellation")
	}
}

func TestTimeoutClassified(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.RetryAttempts = 0
	e, err := New(cfg, WithClient(blockingClient{}))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.False(t, res.Success)
	require.Equal(t, agent.AgentTimeout, res.ErrorType())
	require.Equal(t, StateTimedOut, e.State())
}

func TestNoRetryAfterDeadline(t *testing.T) {
	// A timeout is classified as retryable, but once the request deadline has
	// fired no further attempt can run, so no RETRY_ATTEMPTED is published.
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	bus := hooks.NewBus(hooks.Config{})
	var mu sync.Mutex
	retries := 0
	bus.Subscribe(hooks.TypeRetryAttempted, func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		retries++
		mu.Unlock()
		return nil
	})

	e, err := New(cfg, WithClient(blockingClient{}), WithBus(bus))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.False(t, res.Success)
	require.Equal(t, agent.AgentTimeout, res.ErrorType())
	require.Equal(t, StateTimedOut, e.State())
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, retries)
}

func TestLifecycleEventsAndMetrics(t *testing.T) {
	client := mock.New().AddResponse("done", 2)
	bus := hooks.NewBus(hooks.Config{})
	collector := metrics.New()

	var mu sync.Mutex
	var types []hooks.EventType
	bus.Subscribe(hooks.TypeAny, func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		types = append(types, evt.Type)
		mu.Unlock()
		return nil
	})

	e, err := New(testConfig(), WithClient(client), WithBus(bus), WithCollector(collector))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success)

	require.Equal(t, hooks.TypeAgentStarted, types[0])
	require.Equal(t, hooks.TypeAgentCompleted, types[len(types)-1])

	labels := metrics.Labels{"agent": "chat"}
	require.EqualValues(t, 1, collector.Counter("agent_requests_total", labels))
	require.EqualValues(t, 1, collector.Counter("agent_requests_completed_total", labels))
	require.EqualValues(t, 0, collector.Counter("agent_requests_failed_total", labels))
}

func TestTokenEventsViaCallback(t *testing.T) {
	client := mock.New().AddResponse("one two three", 3)
	bus := hooks.NewBus(hooks.Config{})

	var mu sync.Mutex
	var toks []string
	bus.Subscribe(hooks.TypeLLMToken, func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		toks = append(toks, evt.Metadata["token"].(string))
		mu.Unlock()
		return nil
	})

	e, err := New(testConfig(), WithClient(client), WithBus(bus))
	require.NoError(t, err)
	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success)
	require.Equal(t, "one two three", strings.Join(toks, ""))
}

// toolCallingClient dispatches one tool call through the request and folds
// the result into its output.
type toolCallingClient struct {
	tool string
	args map[string]any
}

func (c toolCallingClient) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if req.Tools == nil {
		return model.Response{}, errors.New("no tool dispatcher on request")
	}
	out, err := req.Tools.Invoke(ctx, c.tool, c.args, nil)
	if err != nil {
		return model.Response{}, err
	}
	return model.Response{Output: fmt.Sprintf("tool said %v", out), TokensUsed: 1}, nil
}

func (c toolCallingClient) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	return nil, errors.New("not streaming")
}

func TestToolDispatchPublishesEvents(t *testing.T) {
	reg := tools.NewInmem()
	reg.Register("weather", func(ctx context.Context, args map[string]any, creds map[string]string) (any, error) {
		return "sunny", nil
	})
	bus := hooks.NewBus(hooks.Config{})
	var mu sync.Mutex
	var types []hooks.EventType
	handler := func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		types = append(types, evt.Type)
		mu.Unlock()
		return nil
	}
	bus.Subscribe(hooks.TypeLLMToolCallStart, handler)
	bus.Subscribe(hooks.TypeLLMToolCallEnd, handler)

	e, err := New(testConfig(), WithClient(toolCallingClient{tool: "weather"}), WithBus(bus), WithTools(reg))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success, res.Error)
	require.Equal(t, "tool said sunny", res.Output)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []hooks.EventType{hooks.TypeLLMToolCallStart, hooks.TypeLLMToolCallEnd}, types)
}

func TestToolDispatchFailureSurfaced(t *testing.T) {
	// An unknown tool fails the dispatch; the end event carries the error and
	// the request fails with the tool's typed error.
	bus := hooks.NewBus(hooks.Config{})
	events := make(chan hooks.Event, 1)
	bus.Subscribe(hooks.TypeLLMToolCallEnd, func(ctx context.Context, evt hooks.Event) error {
		events <- evt
		return nil
	})

	e, err := New(testConfig(), WithClient(toolCallingClient{tool: "missing"}), WithBus(bus), WithTools(tools.NewInmem()))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.False(t, res.Success)
	require.Equal(t, agent.ValidationError, res.ErrorType())

	select {
	case evt := <-events:
		require.Contains(t, evt.ErrorMessage, "missing")
	case <-time.After(time.Second):
		t.Fatal("LLM_TOOL_CALL_END not delivered for failed dispatch")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	client := mock.New().AddResponse("answer", 1)
	mem := memory.NewInmemProvider()
	e, err := New(testConfig(), WithClient(client), WithMemory(mem))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success)

	state, err := mem.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "say hi", state["last_task"])
	require.Equal(t, "answer", state["last_output"])

	// The saved state is visible to the next request on the same session.
	actx := testCtx()
	e.Execute(context.Background(), actx)
	require.NotNil(t, actx.Metadata["memory"])
}

func TestMemoryLoadIntoBareContext(t *testing.T) {
	// A caller-built context without a metadata map still receives the loaded
	// memory state.
	mem := memory.NewInmemProvider()
	require.NoError(t, mem.Save(context.Background(), "s1", map[string]any{"fact": "blue"}))

	e, err := New(testConfig(), WithClient(mock.New().AddResponse("ok", 1)), WithMemory(mem))
	require.NoError(t, err)

	actx := &agent.Context{AgentID: "chat", UserID: "u1", SessionID: "s1", Task: "say hi"}
	res := e.Execute(context.Background(), actx)
	require.True(t, res.Success, res.Error)

	state, ok := actx.Metadata["memory"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "blue", state["fact"])
}

func TestNonIdempotentPipelineEnteredOnce(t *testing.T) {
	// A pipeline containing a non-idempotent middleware must not be
	// re-entered on retry; only the model call is retried.
	client := mock.New().AddError(model.ErrUnavailable).AddResponse("ok", 1)
	p := middleware.NewPipeline(nil)
	entries := 0
	require.NoError(t, p.Use(&countingMW{name: "counter", idempotent: false, count: &entries}))

	cfg := testConfig()
	cfg.RetryAttempts = 1
	e, err := New(cfg, WithClient(client), WithPipeline(p))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success)
	require.Equal(t, 1, entries)
	require.Equal(t, 2, client.Calls())
}

func TestIdempotentPipelineReEnteredOnRetry(t *testing.T) {
	client := mock.New().AddError(model.ErrUnavailable).AddResponse("ok", 1)
	p := middleware.NewPipeline(nil)
	entries := 0
	require.NoError(t, p.Use(&countingMW{name: "counter", idempotent: true, count: &entries}))

	cfg := testConfig()
	cfg.RetryAttempts = 1
	e, err := New(cfg, WithClient(client), WithPipeline(p))
	require.NoError(t, err)

	res := e.Execute(context.Background(), testCtx())
	require.True(t, res.Success)
	require.Equal(t, 2, entries)
}

type countingMW struct {
	name       string
	idempotent bool
	count      *int
}

func (m *countingMW) Name() string     { return m.name }
func (m *countingMW) Priority() int    { return 10 }
func (m *countingMW) Enabled() bool    { return true }
func (m *countingMW) Idempotent() bool { return m.idempotent }
func (m *countingMW) Process(ctx context.Context, actx *agent.Context, next middleware.Next) (*middleware.Result, error) {
	*m.count++
	return next(ctx)
}

func TestExecuteStream(t *testing.T) {
	client := mock.New().AddResponse("alpha beta gamma", 3)
	bus := hooks.NewBus(hooks.Config{})
	var mu sync.Mutex
	var types []hooks.EventType
	bus.Subscribe(hooks.TypeAny, func(ctx context.Context, evt hooks.Event) error {
		mu.Lock()
		types = append(types, evt.Type)
		mu.Unlock()
		return nil
	})

	e, err := New(testConfig(), WithClient(client), WithBus(bus))
	require.NoError(t, err)

	stream, err := e.ExecuteStream(context.Background(), testCtx())
	require.NoError(t, err)

	var out strings.Builder
	for {
		tok, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out.WriteString(tok)
	}
	require.NoError(t, stream.Close())
	require.Equal(t, "alpha beta gamma", out.String())
	require.Equal(t, StateCompleted, e.State())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, hooks.TypeAgentStarted, types[0])
	require.Equal(t, hooks.TypeAgentCompleted, types[len(types)-1])
}

func TestExecuteStreamEarlyClose(t *testing.T) {
	client := mock.New().AddResponse("alpha beta gamma", 3)
	e, err := New(testConfig(), WithClient(client))
	require.NoError(t, err)

	stream, err := e.ExecuteStream(context.Background(), testCtx())
	require.NoError(t, err)

	_, err = stream.Recv()
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.Equal(t, StateCancelled, e.State())

	_, err = stream.Recv()
	require.Error(t, err)
}

// echoClient answers each request with its own prompt so concurrent results
// stay attributable to their inputs.
type echoClient struct{}

func (echoClient) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	return model.Response{Output: "echo:" + req.Prompt, TokensUsed: 1}, nil
}

func (echoClient) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	return nil, errors.New("not streaming")
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	e, err := New(testConfig(), WithClient(echoClient{}), WithBatchConcurrency(4))
	require.NoError(t, err)

	actxs := make([]*agent.Context, 20)
	for i := range actxs {
		actxs[i] = agent.NewContext("chat", "u1", fmt.Sprintf("s%d", i), fmt.Sprintf("task-%d", i))
	}
	results := e.ExecuteBatch(context.Background(), actxs)
	require.Len(t, results, 20)
	for i, res := range results {
		require.NotNil(t, res, "result %d", i)
		require.True(t, res.Success, "result %d: %s", i, res.Error)
		require.Equal(t, fmt.Sprintf("echo:task-%d", i), res.Output, "result %d", i)
	}
}

func TestExecuteBatchNilContext(t *testing.T) {
	e, err := New(testConfig(), WithClient(mock.New().AddResponse("ok", 1)))
	require.NoError(t, err)

	results := e.ExecuteBatch(context.Background(), []*agent.Context{testCtx(), nil})
	require.Len(t, results, 2)
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.Equal(t, agent.ValidationError, results[1].ErrorType())
}
