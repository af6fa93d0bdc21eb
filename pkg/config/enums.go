package config

// StorageBackend selects where session documents live.
type StorageBackend string

const (
	// StorageBackendMemory is the in-process store. Sessions do not survive
	// a restart.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendPostgres is the durable PostgreSQL store.
	StorageBackendPostgres StorageBackend = "postgres"
)

// IsValid checks if the storage backend is valid
func (b StorageBackend) IsValid() bool {
	return b == StorageBackendMemory || b == StorageBackendPostgres
}

// VectorBackend selects how story context is retrieved.
type VectorBackend string

const (
	// VectorBackendPgvector retrieves context chunks from a pgvector table.
	VectorBackendPgvector VectorBackend = "pgvector"
	// VectorBackendNone disables retrieval; every generation proceeds
	// without corpus context.
	VectorBackendNone VectorBackend = "none"
)

// IsValid checks if the vector backend is valid
func (b VectorBackend) IsValid() bool {
	return b == VectorBackendPgvector || b == VectorBackendNone
}
