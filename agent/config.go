package agent

import (
	"time"
)

type (
	// Config is the immutable descriptor of an agent: which model it targets,
	// how sampling behaves, and how the executor bounds and retries requests.
	// Configs are validated at template registration and again at creation.
	Config struct {
		// Name uniquely identifies the agent within a factory. Required.
		Name string
		// Description is a human-readable summary of the agent's purpose.
		Description string
		// Model is the provider-specific model identifier.
		Model string
		// Temperature controls sampling randomness. Must be in [0, 2].
		Temperature float64
		// TopP controls nucleus sampling. Must be in [0, 1].
		TopP float64
		// MaxTokens caps completion length. Must be >= 1.
		MaxTokens int
		// FrequencyPenalty discourages token repetition. Must be in [-2, 2].
		FrequencyPenalty float64
		// PresencePenalty discourages topic repetition. Must be in [-2, 2].
		PresencePenalty float64
		// StopSequences terminate generation when produced by the model.
		StopSequences []string
		// SystemPrompt is prepended to every request.
		SystemPrompt string
		// Timeout bounds the whole request, middleware included.
		// Defaults to 30s.
		Timeout time.Duration
		// RetryAttempts is the number of retries after the initial attempt for
		// retryable failures. Zero means exactly one attempt.
		RetryAttempts int
		// RetryBaseDelay is the backoff before the first retry. Defaults to 1s.
		RetryBaseDelay time.Duration
		// RetryMultiplier is the backoff growth factor. Defaults to 2.0.
		RetryMultiplier float64
		// RetryMaxDelay caps the backoff between retries. Defaults to 60s.
		RetryMaxDelay time.Duration
	}
)

// Default executor bounds applied by SetDefaults.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultRetryAttempts   = 3
	DefaultRetryBaseDelay  = time.Second
	DefaultRetryMultiplier = 2.0
	DefaultRetryMaxDelay   = 60 * time.Second
	DefaultMaxTokens       = 4096
	DefaultTopP            = 1.0
)

// SetDefaults fills zero-valued execution bounds and sampling parameters with
// their documented defaults. Name and Model are never defaulted.
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.TopP == 0 {
		c.TopP = DefaultTopP
	}
}

// Validate checks the config against its documented ranges and returns a
// CONFIG_ERROR typed error naming the first violation.
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return NewError(ConfigError, "agent name is required")
	case c.Temperature < 0 || c.Temperature > 2:
		return NewError(ConfigError, "temperature %v out of range [0, 2]", c.Temperature)
	case c.TopP < 0 || c.TopP > 1:
		return NewError(ConfigError, "top_p %v out of range [0, 1]", c.TopP)
	case c.MaxTokens < 1:
		return NewError(ConfigError, "max_tokens %d must be >= 1", c.MaxTokens)
	case c.FrequencyPenalty < -2 || c.FrequencyPenalty > 2:
		return NewError(ConfigError, "frequency_penalty %v out of range [-2, 2]", c.FrequencyPenalty)
	case c.PresencePenalty < -2 || c.PresencePenalty > 2:
		return NewError(ConfigError, "presence_penalty %v out of range [-2, 2]", c.PresencePenalty)
	case c.RetryAttempts < 0:
		return NewError(ConfigError, "retry_attempts %d must be >= 0", c.RetryAttempts)
	case c.Timeout < 0:
		return NewError(ConfigError, "timeout must not be negative")
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.StopSequences = append([]string(nil), c.StopSequences...)
	return out
}
