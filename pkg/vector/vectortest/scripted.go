// Package vectortest provides a scripted vector.Retriever for tests.
package vectortest

import (
	"context"
	"sync"

	"github.com/rvastories/storyloom/pkg/vector"
)

// Scripted implements vector.Retriever with a fixed chunk set and
// switchable error injection.
type Scripted struct {
	mu      sync.Mutex
	chunks  []vector.Chunk
	err     error
	queries []string
}

// NewScripted returns a retriever serving the given chunks, most
// relevant first.
func NewScripted(chunks ...vector.Chunk) *Scripted {
	return &Scripted{chunks: chunks}
}

// FailWith makes subsequent Retrieve calls return err. Pass nil to
// restore normal service.
func (s *Scripted) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Retrieve implements vector.Retriever.
func (s *Scripted) Retrieve(_ context.Context, query string, k int) ([]vector.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if k > len(s.chunks) {
		k = len(s.chunks)
	}
	out := make([]vector.Chunk, k)
	copy(out, s.chunks[:k])
	return out, nil
}

// Queries returns a copy of every query seen, in call order.
func (s *Scripted) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queries))
	copy(out, s.queries)
	return out
}

// CallCount returns the total number of Retrieve calls made.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}
