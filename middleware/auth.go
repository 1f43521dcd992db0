package middleware

import (
	"context"
	"errors"

	"goa.design/orbit/agent"
)

type (
	// TokenValidator checks an auth token for the requesting user. Return a
	// typed AUTHORIZATION_FAILED error to distinguish a valid identity lacking
	// permission from a bad credential.
	TokenValidator func(ctx context.Context, userID, token string) error

	authMiddleware struct {
		validate TokenValidator
	}
)

// NewAuthMiddleware returns the authentication layer. It reads the request
// token from Metadata["auth_token"] and rejects requests the validator
// refuses.
func NewAuthMiddleware(validate TokenValidator) Middleware {
	return &authMiddleware{validate: validate}
}

func (m *authMiddleware) Name() string     { return "auth" }
func (m *authMiddleware) Priority() int    { return PriorityAuth }
func (m *authMiddleware) Enabled() bool    { return m.validate != nil }
func (m *authMiddleware) Idempotent() bool { return true }

func (m *authMiddleware) Process(ctx context.Context, actx *agent.Context, next Next) (*Result, error) {
	token, _ := actx.Metadata["auth_token"].(string)
	if token == "" {
		return &Result{AgentResult: agent.Failure(agent.AuthenticationFailed, "auth token is required")}, nil
	}
	if err := m.validate(ctx, actx.UserID, token); err != nil {
		et := agent.AuthenticationFailed
		var aerr *agent.Error
		if errors.As(err, &aerr) && aerr.Type == agent.AuthorizationFailed {
			et = agent.AuthorizationFailed
		}
		return &Result{AgentResult: agent.Failure(et, err.Error())}, nil
	}
	return next(ctx)
}
