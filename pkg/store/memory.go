package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rvastories/storyloom/pkg/models"
)

// Memory is the in-memory Store used for single-replica deployments and
// tests. Writers of one session are serialized through a per-session mutex;
// the map lock is held only for map access, so sessions never block each
// other.
type Memory struct {
	ttl     time.Duration
	nowFunc func() time.Time

	mu       sync.RWMutex
	sessions map[string]*models.Session
	locks    map[string]*sync.Mutex
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the store's time source. Tests use it to drive TTL
// expiry deterministically.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.nowFunc = now
	}
}

// NewMemory creates an empty in-memory store with the given session TTL.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:      ttl,
		nowFunc:  time.Now,
		sessions: make(map[string]*models.Session),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

// Create implements Store.
func (m *Memory) Create(_ context.Context, coreIdea, userID string) (*models.Session, error) {
	now := m.nowFunc()
	s := &models.Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		CoreIdea:    coreIdea,
		Stage:       models.StageKickoff,
		Status:      models.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		TTLDeadline: now.Add(m.ttl),
	}
	s.AppendTurn(models.Turn{
		Role:      models.RoleSystem,
		Content:   initialTurnContent(coreIdea),
		Stage:     models.StageKickoff,
		CreatedAt: now,
	})

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.locks[s.ID] = &sync.Mutex{}
	m.mu.Unlock()

	return s.Clone(), nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*models.Session, error) {
	lock, err := m.lockFor(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.snapshot(id)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	if snap.Status == models.StatusActive && now.After(snap.TTLDeadline) {
		expire(snap, now, time.Nanosecond)
		m.commit(snap)
		return nil, ErrExpired
	}
	if snap.Status == models.StatusExpired {
		return nil, ErrExpired
	}
	return snap, nil
}

// Update implements Store.
func (m *Memory) Update(_ context.Context, id string, fn UpdateFunc) (*models.Session, error) {
	lock, err := m.lockFor(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.snapshot(id)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	if snap.Status == models.StatusActive && now.After(snap.TTLDeadline) {
		expire(snap, now, time.Nanosecond)
		m.commit(snap)
		return nil, ErrExpired
	}
	if snap.Status == models.StatusExpired {
		return nil, ErrExpired
	}
	if snap.Status.Terminal() {
		return nil, ErrTerminal
	}

	coreIdea, createdAt := snap.CoreIdea, snap.CreatedAt
	if err := fn(snap); err != nil {
		return nil, err
	}
	if snap.ID != id || snap.CoreIdea != coreIdea || !snap.CreatedAt.Equal(createdAt) {
		return nil, fmt.Errorf("update of session %s touched an immutable field", id)
	}

	snap.UpdatedAt = monotonicNow(now, snap.UpdatedAt, time.Nanosecond)
	snap.TTLDeadline = snap.UpdatedAt.Add(m.ttl)
	stampTurns(snap, snap.UpdatedAt)
	m.commit(snap)

	return snap.Clone(), nil
}

// ListActive implements Store.
func (m *Memory) ListActive(_ context.Context) ([]models.SessionSummary, error) {
	now := m.nowFunc()

	m.mu.RLock()
	summaries := make([]models.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status != models.StatusActive || now.After(s.TTLDeadline) {
			continue
		}
		summaries = append(summaries, s.Summary())
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, id string) error {
	lock, err := m.lockFor(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.locks, id)
	return nil
}

// Export implements Store. Unlike Get it returns expired and completed
// sessions; a past-deadline active session is marked expired first so the
// snapshot reflects its true status.
func (m *Memory) Export(_ context.Context, id string) (*models.Session, error) {
	lock, err := m.lockFor(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	snap, err := m.snapshot(id)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	if snap.Status == models.StatusActive && now.After(snap.TTLDeadline) {
		expire(snap, now, time.Nanosecond)
		m.commit(snap)
		snap = snap.Clone()
	}
	return snap, nil
}

// Import implements Store.
func (m *Memory) Import(_ context.Context, snapshot *models.Session) error {
	if snapshot == nil || snapshot.ID == "" {
		return fmt.Errorf("import: snapshot must carry a session id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[snapshot.ID]; ok {
		return ErrExists
	}
	m.sessions[snapshot.ID] = snapshot.Clone()
	m.locks[snapshot.ID] = &sync.Mutex{}
	return nil
}

// Sweep implements Store.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	now := m.nowFunc()

	m.mu.RLock()
	due := make([]string, 0)
	for id, s := range m.sessions {
		if s.Status == models.StatusActive && now.After(s.TTLDeadline) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	expired := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		lock, err := m.lockFor(id)
		if err != nil {
			continue // deleted since the scan
		}
		lock.Lock()
		snap, err := m.snapshot(id)
		if err == nil && snap.Status == models.StatusActive && now.After(snap.TTLDeadline) {
			expire(snap, now, time.Nanosecond)
			m.commit(snap)
			expired++
		}
		lock.Unlock()
	}
	return expired, nil
}

// PurgeTerminal implements Store.
func (m *Memory) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.RLock()
	due := make([]string, 0)
	for id, s := range m.sessions {
		if s.Status.Terminal() && s.UpdatedAt.Before(olderThan) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	purged := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := m.Delete(ctx, id); err == nil {
			purged++
		}
	}
	return purged, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// lockFor returns the per-session write lock, or ErrNotFound when no such
// session exists.
func (m *Memory) lockFor(id string) (*sync.Mutex, error) {
	m.mu.RLock()
	lock, ok := m.locks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return lock, nil
}

// snapshot deep-copies the canonical session under the map read lock.
func (m *Memory) snapshot(id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// commit swaps the canonical pointer. Callers hold the per-session lock, so
// the swap is the only mutation in flight; canonical contents are never
// edited in place.
func (m *Memory) commit(s *models.Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; ok {
		m.sessions[s.ID] = s
	}
	m.mu.Unlock()
}

// expire flips the session to expired and records a system turn. The TTL
// deadline is deliberately not refreshed; the caller bumps UpdatedAt at its
// backend's timestamp resolution.
func expire(s *models.Session, now time.Time, step time.Duration) {
	s.Status = models.StatusExpired
	s.AppendTurn(models.Turn{
		Role:      models.RoleSystem,
		Content:   expiredTurnContent,
		Stage:     s.Stage,
		CreatedAt: now,
	})
	s.UpdatedAt = monotonicNow(now, s.UpdatedAt, step)
}
