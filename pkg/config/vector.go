package config

// VectorConfig controls corpus context retrieval.
type VectorConfig struct {
	// Backend selects the retrieval implementation. "none" runs the
	// service permanently degraded (zero context chunks).
	Backend VectorBackend

	// TopK is how many chunks each retrieval asks for.
	TopK int

	// EmbeddingModel embeds retrieval queries.
	EmbeddingModel string
}

// DefaultVectorConfig returns the built-in retrieval defaults.
func DefaultVectorConfig() *VectorConfig {
	return &VectorConfig{
		Backend:        VectorBackendPgvector,
		TopK:           5,
		EmbeddingModel: "text-embedding-3-small",
	}
}
