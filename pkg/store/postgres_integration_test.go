package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvastories/storyloom/pkg/models"
	util "github.com/rvastories/storyloom/test/util"
)

func newPostgresStore(t *testing.T, ttl time.Duration) (*Postgres, *fakeClock) {
	t.Helper()
	connStr := util.SetupTestDatabase(t)
	clock := newFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	p, err := NewPostgres(context.Background(), connStr, ttl, WithPostgresClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, clock
}

func TestPostgresCreateAndGet(t *testing.T) {
	ctx := context.Background()
	p, _ := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "the canal walk at dusk", "user-3")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := p.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "user-3", got.UserID)
	assert.Equal(t, "the canal walk at dusk", got.CoreIdea)
	assert.Equal(t, models.StageKickoff, got.Stage)
	assert.Equal(t, models.StatusActive, got.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, models.RoleSystem, got.History[0].Role)
	assert.Equal(t, 1, got.Metadata.TurnCount)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, 0)
	assert.WithinDuration(t, created.UpdatedAt, got.UpdatedAt, 0)
	assert.WithinDuration(t, created.UpdatedAt.Add(time.Hour), got.TTLDeadline, 0)

	_, err = p.Get(ctx, "b0b9b2f6-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUpdatePersistsDocument(t *testing.T) {
	ctx := context.Background()
	p, clock := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "river city mural tour", "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	turnAt := clock.Now()
	score := 4.2
	updated, err := p.Update(ctx, created.ID, func(s *models.Session) error {
		s.Stage = models.StageHookSelection
		s.Elements.DepthScore = &score
		s.Elements.DepthClassification = models.DepthSufficient
		s.Elements.PersonalAnecdote = "we painted the flood wall in august heat"
		s.Elements.HookCandidates = []models.Candidate{
			{Title: "The Wall Remembers", Body: "Before the river rose, we climbed down with brushes."},
			{Title: "Paint Over the Waterline", Body: "Every flood leaves a mark. So did we."},
			{Title: "River City Canvas", Body: "The levee was never meant to be beautiful."},
		}
		s.Metadata.LLMCalls = 3
		s.Metadata.ContextChunksUsed = 5
		s.AppendTurn(models.Turn{
			Role:      models.RoleAssistant,
			Content:   "three hooks ready",
			Stage:     models.StageHookSelection,
			CreatedAt: turnAt,
		})
		return nil
	})
	require.NoError(t, err)

	got, err := p.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageHookSelection, got.Stage)
	assert.Equal(t, updated.Elements, got.Elements)
	require.NotNil(t, got.Elements.DepthScore)
	assert.InDelta(t, 4.2, *got.Elements.DepthScore, 1e-9)
	require.Len(t, got.Elements.HookCandidates, 3)
	assert.Equal(t, "Paint Over the Waterline", got.Elements.HookCandidates[1].Title)
	assert.Equal(t, 2, got.Metadata.TurnCount)
	assert.Equal(t, 3, got.Metadata.LLMCalls)
	assert.True(t, got.UpdatedAt.After(created.UpdatedAt))
	assert.WithinDuration(t, got.UpdatedAt.Add(time.Hour), got.TTLDeadline, 0)
}

func TestPostgresUpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	p, _ := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "shockoe bottom at night", "")
	require.NoError(t, err)

	before, err := p.Export(ctx, created.ID)
	require.NoError(t, err)

	_, err = p.Update(ctx, created.ID, func(s *models.Session) error {
		s.Stage = models.StageArcDevelopment
		s.AppendTurn(models.Turn{Role: models.RoleUser, Content: "half-written"})
		return errors.New("midway failure")
	})
	require.EqualError(t, err, "midway failure")

	after, err := p.Export(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPostgresUpdateRejectsImmutableMutation(t *testing.T) {
	ctx := context.Background()
	p, _ := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "original idea", "")
	require.NoError(t, err)

	_, err = p.Update(ctx, created.ID, func(s *models.Session) error {
		s.CoreIdea = "rewritten idea"
		return nil
	})
	require.ErrorContains(t, err, "immutable")

	got, err := p.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "original idea", got.CoreIdea)
}

func TestPostgresConflictOnConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	p, _ := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "two writers, one session", "")
	require.NoError(t, err)

	// A second writer lands between this update's read and its write.
	_, err = p.Update(ctx, created.ID, func(s *models.Session) error {
		s.AppendTurn(models.Turn{Role: models.RoleUser, Content: "loser turn", Stage: s.Stage})

		_, innerErr := p.Update(ctx, created.ID, func(inner *models.Session) error {
			inner.AppendTurn(models.Turn{Role: models.RoleUser, Content: "winner turn", Stage: inner.Stage})
			return nil
		})
		return innerErr
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := p.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "winner turn", got.History[1].Content)
}

func TestPostgresExpiry(t *testing.T) {
	ctx := context.Background()
	p, clock := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "idle session", "")
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)

	_, err = p.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = p.Update(ctx, created.ID, func(s *models.Session) error { return nil })
	assert.ErrorIs(t, err, ErrExpired)

	// Export still serves the expired record, including the audit turn.
	exported, err := p.Export(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, exported.Status)
	require.NotEmpty(t, exported.History)
	last := exported.History[len(exported.History)-1]
	assert.Equal(t, models.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "expired")

	active, err := p.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPostgresTerminalReadOnly(t *testing.T) {
	ctx := context.Background()
	p, _ := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "finished story", "")
	require.NoError(t, err)

	_, err = p.Update(ctx, created.ID, func(s *models.Session) error {
		s.Stage = models.StageStoryGenerated
		s.Status = models.StatusCompleted
		s.FinalStory = &models.FinalStory{
			Text:      "It began with a brush and a flood wall.",
			Style:     "short_post",
			WordCount: 8,
			Themes:    []string{"memory", "rivers"},
			Tone:      "reflective",
			Angle:     "community art",
		}
		return nil
	})
	require.NoError(t, err)

	_, err = p.Update(ctx, created.ID, func(s *models.Session) error { return nil })
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := p.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalStory)
	assert.Equal(t, "short_post", got.FinalStory.Style)
	assert.Equal(t, []string{"memory", "rivers"}, got.FinalStory.Themes)
}

func TestPostgresSweepAndPurge(t *testing.T) {
	ctx := context.Background()
	p, clock := newPostgresStore(t, time.Hour)

	done, err := p.Create(ctx, "already completed", "")
	require.NoError(t, err)
	_, err = p.Update(ctx, done.ID, func(s *models.Session) error {
		s.Status = models.StatusCompleted
		s.Stage = models.StageStoryGenerated
		return nil
	})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	idle, err := p.Create(ctx, "left idle", "")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	expired, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	again, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)

	// The completed session is old enough to purge; the freshly expired one
	// was written during the sweep and stays inside the retention horizon.
	purged, err := p.PurgeTerminal(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = p.Export(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.Export(ctx, idle.ID)
	require.NoError(t, err)
}

func TestPostgresExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, clock := newPostgresStore(t, time.Hour)

	created, err := p.Create(ctx, "portable session", "user-9")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	turnAt := clock.Now()
	_, err = p.Update(ctx, created.ID, func(s *models.Session) error {
		s.Stage = models.StageDepthAnalysis
		s.AppendTurn(models.Turn{
			Role:      models.RoleAssistant,
			Content:   "tell me more about the flood wall",
			Stage:     models.StageDepthAnalysis,
			CreatedAt: turnAt,
		})
		return nil
	})
	require.NoError(t, err)

	exported, err := p.Export(ctx, created.ID)
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, created.ID))
	_, err = p.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.Import(ctx, exported))
	reimported, err := p.Export(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, exported, reimported)

	assert.ErrorIs(t, p.Import(ctx, exported), ErrExists)
}

func TestPostgresListActiveOrder(t *testing.T) {
	ctx := context.Background()
	p, clock := newPostgresStore(t, time.Hour)

	first, err := p.Create(ctx, "first in", "")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := p.Create(ctx, "second in", "")
	require.NoError(t, err)

	active, err := p.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, first.ID, active[1].ID)

	clock.Advance(time.Minute)
	_, err = p.Update(ctx, first.ID, func(s *models.Session) error {
		s.AppendTurn(models.Turn{Role: models.RoleUser, Content: "still here", Stage: s.Stage})
		return nil
	})
	require.NoError(t, err)

	active, err = p.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, 2, active[0].TurnCount)
}
