package config

import "time"

// SessionConfig controls conversation pacing and shape.
type SessionConfig struct {
	// TTL is the idle lifetime of a session. Every successful write
	// refreshes the deadline; a session idle past it expires.
	TTL time.Duration

	// MinCoreIdeaChars is the minimum length of the core idea accepted
	// by start, after trimming whitespace.
	MinCoreIdeaChars int

	// DepthCutoff is the depth score at or above which a story idea is
	// considered sufficiently developed to skip the follow-up stage.
	// Scores range 0 to 5.
	DepthCutoff float64

	// HookRetries is how many times a malformed hook batch is reissued
	// before the turn reports GenerationIncomplete.
	HookRetries int

	// CTARetries is the CTA counterpart of HookRetries.
	CTARetries int
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		TTL:              24 * time.Hour,
		MinCoreIdeaChars: 10,
		DepthCutoff:      3.0,
		HookRetries:      2,
		CTARetries:       2,
	}
}
