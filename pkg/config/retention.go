package config

import "time"

// RetentionConfig controls expiry sweeps and terminal-session cleanup.
type RetentionConfig struct {
	// SweepInterval is how often active sessions are scanned for TTL
	// expiry. Lazy expiry on read covers sessions the sweeper has not
	// reached yet.
	SweepInterval time.Duration

	// TerminalRetention is how long completed and expired sessions stay
	// readable (and exportable) before the purge removes them.
	TerminalRetention time.Duration

	// PurgeInterval is how often the purge loop runs.
	PurgeInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SweepInterval:     5 * time.Minute,
		TerminalRetention: 72 * time.Hour,
		PurgeInterval:     1 * time.Hour,
	}
}
