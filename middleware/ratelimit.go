package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/orbit/agent"
)

type rateLimitMiddleware struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // keyed by user id
}

// NewRateLimitMiddleware returns a per-user token bucket layer admitting rps
// requests per second with the given burst. It is non-idempotent: each pass
// consumes quota, so retried requests must not re-enter it.
func NewRateLimitMiddleware(rps float64, burst int) Middleware {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitMiddleware{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *rateLimitMiddleware) Name() string     { return "rate_limit" }
func (m *rateLimitMiddleware) Priority() int    { return PriorityRateLimit }
func (m *rateLimitMiddleware) Enabled() bool    { return m.rps > 0 }
func (m *rateLimitMiddleware) Idempotent() bool { return false }

func (m *rateLimitMiddleware) Process(ctx context.Context, actx *agent.Context, next Next) (*Result, error) {
	if !m.limiter(actx.UserID).Allow() {
		return &Result{AgentResult: agent.Failure(agent.RateLimitExceeded, "rate limit exceeded")}, nil
	}
	return next(ctx)
}

func (m *rateLimitMiddleware) limiter(userID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(m.rps, m.burst)
		m.limiters[userID] = lim
	}
	return lim
}
