// Package vector provides Richmond-corpus context retrieval: an
// embeddings client, a pgvector-backed similarity search, and the
// Retriever contract the engine consumes.
//
// Retrieval failures are reported, not swallowed; the engine owns the
// degradation policy (log, count, proceed with empty context).
package vector

import "context"

// Chunk is one retrieved corpus passage. Score is the cosine distance
// to the query embedding; lower is closer.
type Chunk struct {
	ID     string
	Text   string
	Source string
	Score  float64
}

// Retriever finds the k corpus chunks most relevant to a query.
// Implementations must be safe for concurrent use and must order
// results by ascending distance with id as the tiebreak.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Chunk, error)
}
