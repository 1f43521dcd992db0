// Package factory builds executors from named agent templates, injecting the
// shared runtime collaborators (bus, collector, memory, pipeline, client)
// into every agent it creates.
package factory

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/executor"
	"goa.design/orbit/hooks"
	"goa.design/orbit/memory"
	"goa.design/orbit/metrics"
	"goa.design/orbit/middleware"
	"goa.design/orbit/model"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/tools"
)

type (
	// Template is a named, validated agent configuration.
	Template struct {
		// Name identifies the template. Required and unique per factory.
		Name string
		// Description is a human-readable summary.
		Description string
		// Config is the agent configuration instantiated for each agent.
		Config agent.Config
	}

	// Deps are the shared collaborators handed to every created executor.
	// All fields are optional; Client is required only to actually execute.
	Deps struct {
		Client    model.Client
		Bus       *hooks.Bus
		Collector *metrics.Collector
		Memory    memory.Provider
		Pipeline  *middleware.Pipeline
		Tools     tools.Registry
		Logger    telemetry.Logger
	}

	// Factory registers templates and creates executors from them. Safe for
	// concurrent use.
	Factory struct {
		deps Deps

		mu        sync.RWMutex
		templates map[string]Template
	}

	// Override adjusts a template config at creation time.
	Override func(*agent.Config)

	// Spec names one agent to create in a batch.
	Spec struct {
		// Template is the template name.
		Template string
		// Overrides apply on top of the template config.
		Overrides []Override
	}
)

// WithModel overrides the provider model.
func WithModel(mdl string) Override { return func(c *agent.Config) { c.Model = mdl } }

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Override { return func(c *agent.Config) { c.Temperature = t } }

// WithMaxTokens overrides the completion cap.
func WithMaxTokens(n int) Override { return func(c *agent.Config) { c.MaxTokens = n } }

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Override { return func(c *agent.Config) { c.Timeout = d } }

// WithRetryAttempts overrides the retry budget.
func WithRetryAttempts(n int) Override { return func(c *agent.Config) { c.RetryAttempts = n } }

// WithSystemPrompt overrides the system prompt.
func WithSystemPrompt(p string) Override { return func(c *agent.Config) { c.SystemPrompt = p } }

// New returns a factory carrying the given shared dependencies.
func New(deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	return &Factory{deps: deps, templates: make(map[string]Template)}
}

// RegisterTemplate validates and stores a template. Registering an existing
// name replaces it.
func (f *Factory) RegisterTemplate(tpl Template) error {
	if tpl.Name == "" {
		return agent.NewError(agent.ConfigError, "template name is required")
	}
	cfg := tpl.Config.Clone()
	if cfg.Name == "" {
		cfg.Name = tpl.Name
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	tpl.Config = cfg
	f.mu.Lock()
	f.templates[tpl.Name] = tpl
	f.mu.Unlock()
	return nil
}

// UnregisterTemplate removes the named template. It reports whether one was
// removed. Existing executors are unaffected.
func (f *Factory) UnregisterTemplate(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[name]; !ok {
		return false
	}
	delete(f.templates, name)
	return true
}

// ListTemplates returns the registered templates sorted by name.
func (f *Factory) ListTemplates() []Template {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Template, 0, len(f.templates))
	for _, tpl := range f.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Template returns the named template and whether it exists.
func (f *Factory) Template(name string) (Template, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tpl, ok := f.templates[name]
	return tpl, ok
}

// CreateAgent builds an executor from the named template with the given
// overrides applied. The overridden config is re-validated; violations fail
// with CONFIG_ERROR.
func (f *Factory) CreateAgent(name string, overrides ...Override) (*executor.Executor, error) {
	tpl, ok := f.Template(name)
	if !ok {
		return nil, agent.NewError(agent.ConfigError, "unknown template %q", name)
	}
	return f.CreateFromTemplate(tpl, overrides...)
}

// CreateFromTemplate builds an executor directly from a template value,
// bypassing the registry.
func (f *Factory) CreateFromTemplate(tpl Template, overrides ...Override) (*executor.Executor, error) {
	cfg := tpl.Config.Clone()
	if cfg.Name == "" {
		cfg.Name = tpl.Name
	}
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return executor.New(cfg,
		executor.WithClient(f.deps.Client),
		executor.WithBus(f.deps.Bus),
		executor.WithCollector(f.deps.Collector),
		executor.WithMemory(f.deps.Memory),
		executor.WithPipeline(f.deps.Pipeline),
		executor.WithTools(f.deps.Tools),
		executor.WithLogger(f.deps.Logger),
	)
}

// CreateBatch builds one executor per spec. It fails on the first invalid
// spec, returning the error and no executors.
func (f *Factory) CreateBatch(specs []Spec) ([]*executor.Executor, error) {
	out := make([]*executor.Executor, 0, len(specs))
	for _, spec := range specs {
		e, err := f.CreateAgent(spec.Template, spec.Overrides...)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ExecuteWith is a convenience that creates an agent from the named template
// and runs a single request on it.
func (f *Factory) ExecuteWith(ctx context.Context, name string, actx *agent.Context, overrides ...Override) (*agent.Result, error) {
	e, err := f.CreateAgent(name, overrides...)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, actx), nil
}
