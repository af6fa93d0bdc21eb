package vector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PGVector implements Retriever over the richmond_chunks table using
// pgvector cosine distance. It owns its own pool: the corpus database
// may live apart from the session store.
type PGVector struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewPGVector connects to the corpus database and verifies it is
// reachable.
func NewPGVector(ctx context.Context, databaseURL string, embedder Embedder) (*PGVector, error) {
	if embedder == nil {
		return nil, fmt.Errorf("vector: embedder must not be nil")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("vector: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vector: failed to ping corpus database: %w", err)
	}

	return &PGVector{pool: pool, embedder: embedder}, nil
}

// Retrieve implements Retriever. Ordering is ascending cosine distance
// with id as the tiebreak, so equal-distance results are stable.
func (p *PGVector) Retrieve(ctx context.Context, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		return []Chunk{}, nil
	}

	embedding, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT id, content, source, embedding <=> $1 AS distance
		FROM   richmond_chunks
		ORDER  BY distance, id
		LIMIT  $2`

	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}

	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Chunk, error) {
		var c Chunk
		err := row.Scan(&c.ID, &c.Text, &c.Source, &c.Score)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("vector: scan rows: %w", err)
	}
	if chunks == nil {
		chunks = []Chunk{}
	}
	return chunks, nil
}

// Index upserts one corpus chunk with its embedding. Used by seeding
// tools and tests; the serving path is read-only.
func (p *PGVector) Index(ctx context.Context, chunk Chunk, embedding []float32) error {
	const q = `
		INSERT INTO richmond_chunks (id, content, source, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    source    = EXCLUDED.source,
		    embedding = EXCLUDED.embedding`

	if _, err := p.pool.Exec(ctx, q, chunk.ID, chunk.Text, chunk.Source, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("vector: index chunk: %w", err)
	}
	return nil
}

// Ping verifies the corpus database is reachable.
func (p *PGVector) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *PGVector) Close() {
	p.pool.Close()
}
