// Package store persists story-creation sessions. Two implementations share
// one contract: an in-memory store for single-replica deployments and tests,
// and a PostgreSQL store for durable deployments.
//
// All reads return deep copies. All writes go through Update, which
// serializes mutations per session and refreshes the TTL deadline. A mutator
// returning an error aborts the write with the session untouched.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rvastories/storyloom/pkg/models"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned when the session's TTL deadline has passed.
	ErrExpired = errors.New("session expired")

	// ErrTerminal is returned when mutating a completed or expired session.
	ErrTerminal = errors.New("session is terminal")

	// ErrExists is returned when importing a snapshot whose id is taken.
	ErrExists = errors.New("session already exists")

	// ErrConflict is returned when a conditional update lost to a concurrent
	// writer. The caller surfaces it; the store never retries on its own.
	ErrConflict = errors.New("concurrent modification detected")
)

// UpdateFunc mutates a deep copy of the current session state. Returning an
// error aborts the update without writing.
type UpdateFunc func(*models.Session) error

// Store is the session persistence contract.
type Store interface {
	// Create inserts a new active session at the kickoff stage with an
	// initial system turn.
	Create(ctx context.Context, coreIdea, userID string) (*models.Session, error)

	// Get returns a deep copy of the session. A session whose deadline has
	// passed is marked expired as a side effect and ErrExpired is returned.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update applies fn to a copy of the current state and commits the
	// result atomically, bumping updated_at (monotone) and the TTL deadline.
	// Mutations of expired or terminal sessions fail with ErrExpired or
	// ErrTerminal; fn transitioning the session into a terminal state is the
	// one sanctioned terminal write.
	Update(ctx context.Context, id string, fn UpdateFunc) (*models.Session, error)

	// ListActive returns summaries of non-terminal, non-expired sessions,
	// newest updated first.
	ListActive(ctx context.Context) ([]models.SessionSummary, error)

	// Delete removes a session outright.
	Delete(ctx context.Context, id string) error

	// Export returns a deep snapshot regardless of status. Expired and
	// completed sessions stay exportable until retention purges them.
	Export(ctx context.Context, id string) (*models.Session, error)

	// Import inserts a previously exported snapshot verbatim.
	Import(ctx context.Context, snapshot *models.Session) error

	// Sweep marks every past-deadline active session expired and returns
	// how many it flipped.
	Sweep(ctx context.Context) (int, error)

	// PurgeTerminal hard-deletes terminal sessions last touched before the
	// horizon and returns how many it removed.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// initialTurnContent is the system turn written at session creation.
func initialTurnContent(coreIdea string) string {
	return fmt.Sprintf("session created with core idea: %q", coreIdea)
}

// expiredTurnContent is the system turn written when a session expires.
const expiredTurnContent = "session expired: idle past ttl deadline"

// monotonicNow returns now, pushed forward by step if the session clock
// would otherwise stall or run backwards. The step matches the backend's
// timestamp resolution (nanoseconds in memory, microseconds in Postgres).
func monotonicNow(now, last time.Time, step time.Duration) time.Time {
	if now.After(last) {
		return now
	}
	return last.Add(step)
}

// stampTurns fills CreatedAt on turns the mutator appended without a
// timestamp, using the write's commit time. Mutators stay clock-free.
func stampTurns(s *models.Session, at time.Time) {
	for i := range s.History {
		if s.History[i].CreatedAt.IsZero() {
			s.History[i].CreatedAt = at
		}
	}
}
