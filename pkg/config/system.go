package config

import "time"

// ServerConfig holds resolved HTTP server configuration.
type ServerConfig struct {
	// HTTPPort is the listen port.
	HTTPPort int

	// RequestTimeout is the per-request deadline enforced by middleware.
	// It must cover a full turn including LLM retries.
	RequestTimeout time.Duration
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPPort:       8080,
		RequestTimeout: 90 * time.Second,
	}
}

// StorageConfig holds resolved persistence configuration. The postgres
// connection string itself is a secret and lives in Secrets, not here.
type StorageConfig struct {
	Backend StorageBackend
}

// DefaultStorageConfig returns the built-in storage defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Backend: StorageBackendMemory,
	}
}
