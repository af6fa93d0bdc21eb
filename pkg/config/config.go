// Package config provides configuration management for the storyloom
// service: the storyloom.yaml loader, style registry, secrets, and
// validation.
package config

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Conversation pacing and shape
	Session *SessionConfig

	// LLM client behavior
	LLM *LLMConfig

	// Context retrieval behavior
	Vector *VectorConfig

	// HTTP server behavior
	Server *ServerConfig

	// Session persistence backend
	Storage *StorageConfig

	// Expiry sweep and terminal-session retention
	Retention *RetentionConfig

	// Output style registry
	Styles *StyleRegistry
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Styles int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Styles != nil {
		s.Styles = c.Styles.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetStyle retrieves a style configuration by name.
// This is a convenience method that wraps StyleRegistry.Get().
func (c *Config) GetStyle(name string) (*StyleConfig, error) {
	return c.Styles.Get(name)
}
