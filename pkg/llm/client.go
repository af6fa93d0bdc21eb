// Package llm provides the completion client the engine uses for every
// model call: a small Request/Response contract, a shared error
// taxonomy, and an OpenAI-backed implementation with admission control
// and retries.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors callers branch on. The API layer maps these to
// response codes, so implementations must wrap them rather than invent
// parallel types.
var (
	// ErrDeadline: the call (or every retried attempt) ran out of time.
	ErrDeadline = errors.New("llm: completion deadline exceeded")

	// ErrOverloaded: admission control refused the call; too many
	// completions already in flight.
	ErrOverloaded = errors.New("llm: too many completions in flight")

	// ErrUnavailable: the provider kept failing after the retry budget.
	ErrUnavailable = errors.New("llm: provider unavailable")

	// ErrBadRequest: the provider rejected the request; retrying the
	// same payload cannot succeed.
	ErrBadRequest = errors.New("llm: provider rejected request")
)

// Request is one completion call. System may be empty.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the completed text plus usage accounting.
type Response struct {
	Text  string
	Usage Usage
}

// Client produces completions. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
