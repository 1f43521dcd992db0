// Package model defines the LLM client contract the runtime executes
// against. The runtime ships no provider bindings; deployments implement
// Client for their provider and the runtime classifies failures through the
// sentinel errors declared here.
package model

import (
	"context"
	"errors"
)

// Sentinel errors provider implementations should wrap so the runtime can
// classify failures into its retry taxonomy.
var (
	// ErrRateLimited marks a provider-side rate limit rejection.
	ErrRateLimited = errors.New("model: rate limited")
	// ErrUnavailable marks a transient provider outage.
	ErrUnavailable = errors.New("model: unavailable")
)

type (
	// Request is one completion call.
	Request struct {
		// Model names the provider model to invoke.
		Model string
		// Prompt is the user-facing instruction.
		Prompt string
		// SystemPrompt primes the model before the prompt.
		SystemPrompt string
		// Temperature controls sampling randomness.
		Temperature float64
		// TopP is the nucleus sampling bound.
		TopP float64
		// MaxTokens caps the generated token count.
		MaxTokens int
		// FrequencyPenalty discourages token repetition.
		FrequencyPenalty float64
		// PresencePenalty discourages topic repetition.
		PresencePenalty float64
		// Stop lists sequences that terminate generation.
		Stop []string
		// Callback receives generation progress when non-nil.
		Callback Callback
		// Tools dispatches tool invocations requested by the model when
		// non-nil. Providers that support tool use call Invoke and feed the
		// result back into the generation.
		Tools ToolInvoker
	}

	// Response is the outcome of a completed Generate call.
	Response struct {
		// Output is the generated text.
		Output string
		// TokensUsed is the total token consumption reported by the provider.
		TokensUsed int
	}

	// Stream yields generation fragments. Recv returns io.EOF after the final
	// fragment; Close releases the underlying call and may be called at any
	// time, including concurrently with Recv.
	Stream interface {
		Recv() (string, error)
		Close() error
	}

	// Client is a provider binding. Implementations must be safe for
	// concurrent use.
	Client interface {
		// Generate performs one blocking completion.
		Generate(ctx context.Context, req Request) (Response, error)
		// GenerateStream begins a streaming completion.
		GenerateStream(ctx context.Context, req Request) (Stream, error)
	}

	// ToolInvoker dispatches one named tool call. Implementations must be
	// safe for concurrent use.
	ToolInvoker interface {
		// Invoke runs the named tool with the given arguments and
		// credentials.
		Invoke(ctx context.Context, name string, args map[string]any, creds map[string]string) (any, error)
	}

	// Callback observes generation progress. Implementations must be safe for
	// concurrent use; providers may deliver callbacks from multiple
	// goroutines.
	Callback interface {
		// OnToken is called for each generated fragment.
		OnToken(ctx context.Context, token string)
		// OnToolCallStart is called when the model begins a tool invocation.
		OnToolCallStart(ctx context.Context, tool string, args map[string]any)
		// OnToolCallEnd is called when a tool invocation finishes.
		OnToolCallEnd(ctx context.Context, tool string, result any, err error)
		// OnError is called when generation fails.
		OnError(ctx context.Context, err error)
	}
)
