package middleware

import (
	"context"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/hooks"
	"goa.design/orbit/metrics"
)

type metricsMiddleware struct {
	collector *metrics.Collector
	bus       *hooks.Bus
}

// NewMetricsMiddleware returns a layer recording per-request counters and a
// latency histogram on the collector, and publishing MIDDLEWARE_EXECUTED or
// MIDDLEWARE_FAILED on the bus when one is attached.
func NewMetricsMiddleware(collector *metrics.Collector, bus *hooks.Bus) Middleware {
	return &metricsMiddleware{collector: collector, bus: bus}
}

func (m *metricsMiddleware) Name() string     { return "metrics" }
func (m *metricsMiddleware) Priority() int    { return PriorityMetrics }
func (m *metricsMiddleware) Enabled() bool    { return m.collector != nil || m.bus != nil }
func (m *metricsMiddleware) Idempotent() bool { return true }

func (m *metricsMiddleware) Process(ctx context.Context, actx *agent.Context, next Next) (*Result, error) {
	start := time.Now()
	res, err := next(ctx)
	if err != nil {
		return res, err
	}
	dur := time.Since(start)
	success := res.AgentResult != nil && res.AgentResult.Success

	if m.collector != nil {
		labels := metrics.Labels{"agent": actx.AgentID}
		m.collector.IncCounter("pipeline_requests_total", labels, 1)
		if !success {
			m.collector.IncCounter("pipeline_failures_total", labels, 1)
		}
		m.collector.Observe("pipeline_latency_seconds", labels, dur.Seconds())
	}
	if m.bus != nil {
		evt := hooks.ForContext(hooks.TypeMiddlewareExecuted, actx)
		evt.ExecutionTime = dur
		if !success {
			evt.Type = hooks.TypeMiddlewareFailed
			if res.AgentResult != nil {
				evt.ErrorMessage = res.AgentResult.Error
				evt.ErrorType = res.AgentResult.ErrorType()
			}
		}
		m.bus.Publish(ctx, evt)
	}
	return res, nil
}
