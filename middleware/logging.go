package middleware

import (
	"context"
	"time"

	"goa.design/orbit/agent"
	"goa.design/orbit/telemetry"
)

type loggingMiddleware struct {
	logger telemetry.Logger
}

// NewLoggingMiddleware returns a layer that logs request entry and exit with
// duration and outcome.
func NewLoggingMiddleware(logger telemetry.Logger) Middleware {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &loggingMiddleware{logger: logger}
}

func (m *loggingMiddleware) Name() string     { return "logging" }
func (m *loggingMiddleware) Priority() int    { return PriorityLogging }
func (m *loggingMiddleware) Enabled() bool    { return true }
func (m *loggingMiddleware) Idempotent() bool { return true }

func (m *loggingMiddleware) Process(ctx context.Context, actx *agent.Context, next Next) (*Result, error) {
	m.logger.Info(ctx, "request started",
		"agent_id", actx.AgentID, "user_id", actx.UserID,
		"session_id", actx.SessionID, "trace_id", actx.TraceID())
	start := time.Now()
	res, err := next(ctx)
	dur := time.Since(start)
	if err != nil {
		return res, err
	}
	success := res.AgentResult != nil && res.AgentResult.Success
	kv := []any{
		"agent_id", actx.AgentID, "user_id", actx.UserID,
		"session_id", actx.SessionID, "duration_ms", dur.Milliseconds(),
		"success", success,
	}
	if success {
		m.logger.Info(ctx, "request completed", kv...)
	} else {
		if res.AgentResult != nil {
			kv = append(kv, "error_type", string(res.AgentResult.ErrorType()))
		}
		m.logger.Warn(ctx, "request failed", kv...)
	}
	return res, nil
}
