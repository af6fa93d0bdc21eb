package config

import "time"

// LLMConfig controls the chat-completion client.
type LLMConfig struct {
	// Model is the chat model used for every conversation turn.
	Model string

	// Temperature is passed through to the provider on each call.
	Temperature float64

	// Timeout bounds a single completion attempt, not the whole retry loop.
	Timeout time.Duration

	// Retries is the number of re-attempts after a retryable failure
	// (timeouts, 429s, 5xx). Zero disables retrying.
	Retries int

	// MaxInflight caps concurrent in-flight provider calls.
	MaxInflight int

	// AdmissionTimeout is how long a call may wait for an in-flight slot
	// before it is rejected as overloaded.
	AdmissionTimeout time.Duration

	// BaseURL overrides the provider endpoint. Empty means the provider
	// default; set for gateways and tests.
	BaseURL string
}

// DefaultLLMConfig returns the built-in LLM client defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Model:            "gpt-4o-mini",
		Temperature:      0.7,
		Timeout:          60 * time.Second,
		Retries:          3,
		MaxInflight:      32,
		AdmissionTimeout: 10 * time.Second,
	}
}
