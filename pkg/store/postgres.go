package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations

	"github.com/rvastories/storyloom/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Postgres is the durable Store. Session documents live in one row each;
// concurrent writers are serialized by compare-and-swap on updated_at, so a
// lost race surfaces as ErrConflict instead of a silent overwrite.
type Postgres struct {
	pool    *pgxpool.Pool
	ttl     time.Duration
	nowFunc func() time.Time
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithPostgresClock overrides the store's time source.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(p *Postgres) {
		p.nowFunc = now
	}
}

// NewPostgres applies pending migrations and opens the session pool.
func NewPostgres(ctx context.Context, databaseURL string, ttl time.Duration, opts ...PostgresOption) (*Postgres, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open session pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{
		pool:    pool,
		ttl:     ttl,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ Store = (*Postgres)(nil)

// runMigrations applies the embedded migrations over a dedicated
// database/sql connection, which is closed once migration finishes.
func runMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "storyloom", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_, _ = m.Close()
		return fmt.Errorf("apply migrations: %w", err)
	}

	// The connection is dedicated to migration, so closing both the source
	// and the database driver is safe here.
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration connection: %w", dbErr)
	}
	return nil
}

const sessionColumns = `id, user_id, core_idea, stage, status, history, elements, final_story, metadata, created_at, updated_at, ttl_deadline`

const selectSessionSQL = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

const insertSessionSQL = `
INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`

const updateSessionSQL = `
UPDATE sessions
SET user_id = $2, stage = $3, status = $4, history = $5, elements = $6,
    final_story = $7, metadata = $8, updated_at = $9, ttl_deadline = $10
WHERE id = $1 AND updated_at = $11`

// Create implements Store.
func (p *Postgres) Create(ctx context.Context, coreIdea, userID string) (*models.Session, error) {
	now := p.now()
	s := &models.Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		CoreIdea:    coreIdea,
		Stage:       models.StageKickoff,
		Status:      models.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		TTLDeadline: now.Add(p.ttl),
	}
	s.AppendTurn(models.Turn{
		Role:      models.RoleSystem,
		Content:   initialTurnContent(coreIdea),
		Stage:     models.StageKickoff,
		CreatedAt: now,
	})

	if err := p.insert(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, id string) (*models.Session, error) {
	s, err := p.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	now := p.now()
	if s.Status == models.StatusActive && now.After(s.TTLDeadline) {
		p.markExpired(ctx, s, now)
		return nil, ErrExpired
	}
	if s.Status == models.StatusExpired {
		return nil, ErrExpired
	}
	return s, nil
}

// Update implements Store.
func (p *Postgres) Update(ctx context.Context, id string, fn UpdateFunc) (*models.Session, error) {
	s, err := p.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	now := p.now()
	if s.Status == models.StatusActive && now.After(s.TTLDeadline) {
		p.markExpired(ctx, s, now)
		return nil, ErrExpired
	}
	if s.Status == models.StatusExpired {
		return nil, ErrExpired
	}
	if s.Status.Terminal() {
		return nil, ErrTerminal
	}

	prevUpdated := s.UpdatedAt
	coreIdea, createdAt := s.CoreIdea, s.CreatedAt
	if err := fn(s); err != nil {
		return nil, err
	}
	if s.ID != id || s.CoreIdea != coreIdea || !s.CreatedAt.Equal(createdAt) {
		return nil, fmt.Errorf("update of session %s touched an immutable field", id)
	}

	s.UpdatedAt = monotonicNow(now, prevUpdated, time.Microsecond)
	s.TTLDeadline = s.UpdatedAt.Add(p.ttl)
	stampTurns(s, s.UpdatedAt)

	if err := p.writeCAS(ctx, s, prevUpdated); err != nil {
		return nil, err
	}
	return s, nil
}

// ListActive implements Store.
func (p *Postgres) ListActive(ctx context.Context) ([]models.SessionSummary, error) {
	const q = `
SELECT id, stage, status, jsonb_array_length(history), created_at, updated_at
FROM sessions
WHERE status = 'active' AND ttl_deadline >= $1
ORDER BY updated_at DESC, id ASC`

	rows, err := p.pool.Query(ctx, q, p.now())
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.SessionSummary, 0)
	for rows.Next() {
		var sum models.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Stage, &sum.Status, &sum.TurnCount, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Export implements Store.
func (p *Postgres) Export(ctx context.Context, id string) (*models.Session, error) {
	s, err := p.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if s.Status == models.StatusActive && now.After(s.TTLDeadline) {
		p.markExpired(ctx, s, now)
	}
	return s, nil
}

// Import implements Store.
func (p *Postgres) Import(ctx context.Context, snapshot *models.Session) error {
	if snapshot == nil || snapshot.ID == "" {
		return fmt.Errorf("import: snapshot must carry a session id")
	}
	return p.insert(ctx, snapshot.Clone())
}

// Sweep implements Store.
func (p *Postgres) Sweep(ctx context.Context) (int, error) {
	now := p.now()

	rows, err := p.pool.Query(ctx,
		`SELECT id FROM sessions WHERE status = 'active' AND ttl_deadline < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("scan for expired sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("collect expired session ids: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		s, err := p.fetch(ctx, id)
		if err != nil || s.Status != models.StatusActive || !now.After(s.TTLDeadline) {
			continue
		}
		if p.markExpired(ctx, s, now) {
			expired++
		}
	}
	return expired, nil
}

// PurgeTerminal implements Store.
func (p *Postgres) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM sessions WHERE status IN ('completed', 'expired') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge terminal sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping reports whether the database is reachable. Used by health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// now truncates to Postgres timestamp resolution so timestamps written and
// read back compare equal, which the CAS predicate depends on.
func (p *Postgres) now() time.Time {
	return p.nowFunc().UTC().Truncate(time.Microsecond)
}

func (p *Postgres) fetch(ctx context.Context, id string) (*models.Session, error) {
	row := p.pool.QueryRow(ctx, selectSessionSQL, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", id, err)
	}
	return s, nil
}

func (p *Postgres) insert(ctx context.Context, s *models.Session) error {
	history, elements, finalStory, metadata, err := marshalDoc(s)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, insertSessionSQL,
		s.ID, s.UserID, s.CoreIdea, s.Stage, s.Status,
		history, elements, finalStory, metadata,
		s.CreatedAt, s.UpdatedAt, s.TTLDeadline)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

// writeCAS commits the mutated session iff nobody else has written since the
// state was read. The store never retries; the loser's conflict propagates.
func (p *Postgres) writeCAS(ctx context.Context, s *models.Session, prevUpdated time.Time) error {
	history, elements, finalStory, metadata, err := marshalDoc(s)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, updateSessionSQL,
		s.ID, s.UserID, s.Stage, s.Status,
		history, elements, finalStory, metadata,
		s.UpdatedAt, s.TTLDeadline, prevUpdated)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("resolve write conflict for session %s: %w", s.ID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// markExpired flips a past-deadline session to expired via CAS. Losing the
// race is fine — whoever won has already advanced or expired the session.
// Reports whether this call performed the flip.
func (p *Postgres) markExpired(ctx context.Context, s *models.Session, now time.Time) bool {
	prevUpdated := s.UpdatedAt
	expire(s, now, time.Microsecond)
	return p.writeCAS(ctx, s, prevUpdated) == nil
}

func marshalDoc(s *models.Session) (history, elements, finalStory, metadata []byte, err error) {
	if history, err = json.Marshal(s.History); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	if elements, err = json.Marshal(s.Elements); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal elements: %w", err)
	}
	if s.FinalStory != nil {
		if finalStory, err = json.Marshal(s.FinalStory); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal final story: %w", err)
		}
	}
	if metadata, err = json.Marshal(s.Metadata); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return history, elements, finalStory, metadata, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s          models.Session
		history    []byte
		elements   []byte
		finalStory []byte
		metadata   []byte
	)
	err := row.Scan(&s.ID, &s.UserID, &s.CoreIdea, &s.Stage, &s.Status,
		&history, &elements, &finalStory, &metadata,
		&s.CreatedAt, &s.UpdatedAt, &s.TTLDeadline)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(history, &s.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if err := json.Unmarshal(elements, &s.Elements); err != nil {
		return nil, fmt.Errorf("unmarshal elements: %w", err)
	}
	if len(finalStory) > 0 {
		s.FinalStory = &models.FinalStory{}
		if err := json.Unmarshal(finalStory, s.FinalStory); err != nil {
			return nil, fmt.Errorf("unmarshal final story: %w", err)
		}
	}
	if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &s, nil
}
