package main

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"goa.design/orbit/agent"
	"goa.design/orbit/factory"
	"goa.design/orbit/hooks"
	"goa.design/orbit/memory"
	"goa.design/orbit/metrics"
	"goa.design/orbit/middleware"
	"goa.design/orbit/model"
	"goa.design/orbit/session"
	"goa.design/orbit/session/inmem"
	"goa.design/orbit/telemetry"
)

// stubClient is a tiny model client that echoes the prompt.
type stubClient struct{}

func (stubClient) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	out := "You said: " + req.Prompt
	if req.Callback != nil {
		for _, w := range strings.Fields(out) {
			req.Callback.OnToken(ctx, w+" ")
		}
	}
	return model.Response{Output: out, TokensUsed: len(strings.Fields(out))}, nil
}

func (stubClient) GenerateStream(ctx context.Context, req model.Request) (model.Stream, error) {
	return nil, model.ErrUnavailable
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatText))
	logger := telemetry.NewClueLogger()

	// 1) Shared runtime plumbing: bus, metrics, sessions, memory, pipeline.
	bus := hooks.NewBus(hooks.Config{Logger: logger})
	collector := metrics.New(metrics.WithLogger(logger))
	mgr, err := session.NewManager(inmem.New(), session.Config{Bus: bus, Collector: collector, Logger: logger})
	if err != nil {
		panic(err)
	}
	mem, err := memory.NewCheckpointProvider(mgr)
	if err != nil {
		panic(err)
	}
	pipeline := middleware.NewPipeline(logger)
	if err := pipeline.Use(middleware.NewLoggingMiddleware(logger)); err != nil {
		panic(err)
	}
	if err := pipeline.Use(middleware.NewMetricsMiddleware(collector, bus)); err != nil {
		panic(err)
	}

	bus.Subscribe(hooks.TypeAny, func(ctx context.Context, evt hooks.Event) error {
		fmt.Println("event:", evt.Type)
		return nil
	})

	// 2) Register an agent template and create an executor from it.
	f := factory.New(factory.Deps{
		Client:    stubClient{},
		Bus:       bus,
		Collector: collector,
		Memory:    mem,
		Pipeline:  pipeline,
		Logger:    logger,
	})
	if err := f.RegisterTemplate(factory.Template{
		Name:        "echo",
		Description: "echoes the task back",
		Config:      agent.Config{Model: "stub-1"},
	}); err != nil {
		panic(err)
	}
	exec, err := f.CreateAgent("echo")
	if err != nil {
		panic(err)
	}

	// 3) Run one request inside a session.
	sess, err := mgr.CreateSession(ctx, "demo-user", "echo", nil)
	if err != nil {
		panic(err)
	}
	res := exec.Execute(ctx, agent.NewContext("echo", "demo-user", sess.ID, "Say hi"))

	fmt.Println("success:", res.Success)
	fmt.Println("output:", res.Output)
	fmt.Println("tokens:", res.TokensUsed)
	fmt.Println("state:", exec.State())
	fmt.Println("requests:", collector.Counter("agent_requests_total", metrics.Labels{"agent": "echo"}))
}
