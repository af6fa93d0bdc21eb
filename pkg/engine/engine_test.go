package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvastories/storyloom/pkg/config"
	"github.com/rvastories/storyloom/pkg/llm"
	"github.com/rvastories/storyloom/pkg/llm/llmtest"
	"github.com/rvastories/storyloom/pkg/models"
	"github.com/rvastories/storyloom/pkg/prompt"
	"github.com/rvastories/storyloom/pkg/store"
	"github.com/rvastories/storyloom/pkg/vector"
	"github.com/rvastories/storyloom/pkg/vector/vectortest"
)

// Route keys: distinctive substrings of the builtin system prompts, so
// scripted completions land on the call that asked for them.
const (
	depthRoute = "narrative depth analyst"
	coachRoute = "story development coach"
	hookRoute  = "opening hooks"
	ctaRoute   = "closing calls to action"
	finalRoute = "ghostwriter"
)

const testIdea = "leaving the restaurant industry to start over in Richmond"

const threeHooks = "HOOK 1: The Last Shift - The night I hung up my apron for good.\n" +
	"HOOK 2: Stakes on the Table - Rent was due and the register was short.\n" +
	"HOOK 3: River City Reset - Richmond had other plans for me."

const twoHooks = "HOOK 1: The Last Shift - The night I hung up my apron for good.\n" +
	"HOOK 2: Stakes on the Table - Rent was due and the register was short."

const threeCTAs = "CTA 1: Tell Yours - Share the moment you almost quit.\n" +
	"CTA 2: Take the Step - Visit one place that scares you this week.\n" +
	"CTA 3: Let It Land - Some stories just need to be heard."

const twoCTAs = "CTA 1: Tell Yours - Share the moment you almost quit.\n" +
	"CTA 2: Take the Step - Visit one place that scares you this week."

type fixture struct {
	eng *Engine
	llm *llmtest.Scripted
	vec *vectortest.Scripted
}

func buildFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()

	library, err := prompt.NewLibrary()
	require.NoError(t, err)

	styles := config.NewStyleRegistry(map[string]*config.StyleConfig{
		"short_post": {MaxTokens: 1024, Guidance: "One scene, one beat."},
		"blog_post":  {MaxTokens: 4096, Guidance: "Full piece with sections."},
	})

	client := llmtest.NewScripted()
	vec := vectortest.NewScripted(
		vector.Chunk{ID: "c1", Text: "The James River fall line shaped the city's early industry.", Source: "richmond/geography.md"},
		vector.Chunk{ID: "c2", Text: "Church Hill looks down on Shockoe Bottom from the east.", Source: "richmond/neighborhoods.md"},
	)

	conv := config.SessionConfig{
		TTL:              time.Hour,
		MinCoreIdeaChars: 10,
		DepthCutoff:      3.0,
		HookRetries:      1,
		CTARetries:       1,
	}

	eng := New(st, client, library, styles, conv,
		WithRetriever(vec, 2),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &fixture{eng: eng, llm: client, vec: vec}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture(t, store.NewMemory(time.Hour))
}

func (fx *fixture) startSession(t *testing.T) string {
	t.Helper()
	res, err := fx.eng.Start(context.Background(), testIdea, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.StageDepthAnalysis, res.Stage)
	return res.SessionID
}

// toAnecdote moves a fresh session to personal_anecdote via a deep
// first pass.
func (fx *fixture) toAnecdote(t *testing.T) string {
	t.Helper()
	id := fx.startSession(t)
	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Text: "SCORE: 4.2\nCLASSIFICATION: sufficient\nREASON: concrete scene and stakes."})
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "Tell me about one specific shift that changed things."})
	res, err := fx.eng.Continue(context.Background(), id,
		"The Tuesday the walk-in died mid-service and I had to improvise a cold menu on the spot.")
	require.NoError(t, err)
	require.Equal(t, models.StagePersonalAnecdote, res.Stage)
	return id
}

func (fx *fixture) toHookSelection(t *testing.T) string {
	t.Helper()
	id := fx.toAnecdote(t)
	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: threeHooks})
	res, err := fx.eng.Continue(context.Background(), id,
		"I plated ceviche by candlelight while the line cooks took bets on whether we'd make it to close.")
	require.NoError(t, err)
	require.Equal(t, models.StageHookSelection, res.Stage)
	return id
}

func (fx *fixture) toQuoteIntegration(t *testing.T) string {
	t.Helper()
	id := fx.toHookSelection(t)
	_, err := fx.eng.SelectOption(context.Background(), id, models.OptionTypeHook, 0)
	require.NoError(t, err)

	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{
		Text: "Open on the dead walk-in, build through the improvised menu, land on the decision to leave for good.",
	})
	res, err := fx.eng.Continue(context.Background(), id, "Make it about trusting improvisation over the plan.")
	require.NoError(t, err)
	require.Equal(t, models.StageQuoteIntegration, res.Stage)
	return id
}

func (fx *fixture) toCTASelection(t *testing.T) string {
	t.Helper()
	id := fx.toQuoteIntegration(t)
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{
		Text: "Halfway through the cold service, the saucier said it: \"You can't plan your way out of a dead walk-in.\" The line laughed, and then it got quiet.",
	})
	fx.llm.AddRouted(ctaRoute, llmtest.ScriptEntry{Text: threeCTAs})
	res, err := fx.eng.Continue(context.Background(), id, "You can't plan your way out of a dead walk-in.")
	require.NoError(t, err)
	require.Equal(t, models.StageCTASelection, res.Stage)
	return id
}

func (fx *fixture) toReadyToGenerate(t *testing.T) string {
	t.Helper()
	id := fx.toCTASelection(t)
	res, err := fx.eng.SelectOption(context.Background(), id, models.OptionTypeCTA, 2)
	require.NoError(t, err)
	require.Equal(t, models.StageReadyToGenerate, res.Stage)
	return id
}

func (fx *fixture) parkAtHookGeneration(t *testing.T) string {
	t.Helper()
	id := fx.toAnecdote(t)
	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: twoHooks})
	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: twoHooks})
	_, err := fx.eng.Continue(context.Background(), id,
		"I plated ceviche by candlelight while the line cooks took bets.")
	require.ErrorIs(t, err, ErrGenerationIncomplete)
	return id
}

func (fx *fixture) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := fx.eng.Export(context.Background(), id)
	require.NoError(t, err)
	return s
}

func userTurns(s *models.Session) []string {
	var out []string
	for _, turn := range s.History {
		if turn.Role == models.RoleUser {
			out = append(out, turn.Content)
		}
	}
	return out
}

func hasSystemTurn(s *models.Session, substr string) bool {
	for _, turn := range s.History {
		if turn.Role == models.RoleSystem && strings.Contains(turn.Content, substr) {
			return true
		}
	}
	return false
}

func TestStart(t *testing.T) {
	fx := newFixture(t)

	res, err := fx.eng.Start(context.Background(), testIdea, "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.StageDepthAnalysis, res.Stage)
	assert.Equal(t, models.StatusActive, res.Status)
	assert.Contains(t, res.Message, testIdea)
	assert.Zero(t, fx.llm.CallCount(), "the opening question is rendered locally")

	s := fx.session(t, res.SessionID)
	require.Len(t, s.History, 2)
	assert.Equal(t, models.RoleSystem, s.History[0].Role)
	assert.Equal(t, models.RoleAssistant, s.History[1].Role)
	assert.Equal(t, models.StageKickoff, s.History[1].Stage)
	assert.Equal(t, 2, s.Metadata.TurnCount)
	assert.False(t, s.History[1].CreatedAt.IsZero())
}

func TestStartRejectsShortCoreIdea(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.eng.Start(context.Background(), "too short", "user-1")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	list, err := fx.eng.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list, "no session should exist after a rejected start")
}

func TestContinueShallowAnswerRoutesToFollowUp(t *testing.T) {
	fx := newFixture(t)
	id := fx.startSession(t)

	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Text: "SCORE: 1.2\nCLASSIFICATION: insufficient\nREASON: restates the idea."})
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "Who was standing next to you when you decided to leave?"})

	res, err := fx.eng.Continue(context.Background(), id, "I quit my job and moved here.")
	require.NoError(t, err)

	assert.Equal(t, models.StageFollowUp, res.Stage)
	assert.Contains(t, res.Message, "Who was standing next to you")

	s := fx.session(t, id)
	require.NotNil(t, s.Elements.DepthScore)
	assert.InDelta(t, 1.2, *s.Elements.DepthScore, 1e-9)
	assert.Equal(t, models.DepthInsufficient, s.Elements.DepthClassification)
	assert.Equal(t, 2, s.Metadata.LLMCalls)

	last := s.History[len(s.History)-1]
	require.NotNil(t, last.Meta)
	assert.InDelta(t, 1.2, *last.Meta.DepthScore, 1e-9)

	reqs := fx.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Zero(t, reqs[0].Temperature, "depth scoring runs at temperature zero")
	assert.InDelta(t, 0.7, reqs[1].Temperature, 1e-9)
}

func TestContinueDeepAnswerRoutesToAnecdote(t *testing.T) {
	fx := newFixture(t)
	id := fx.toAnecdote(t)

	s := fx.session(t, id)
	assert.Equal(t, models.StagePersonalAnecdote, s.Stage)
	assert.Equal(t, models.DepthSufficient, s.Elements.DepthClassification)
	require.NotNil(t, s.Elements.DepthScore)
	assert.InDelta(t, 4.2, *s.Elements.DepthScore, 1e-9)
}

func TestContinueMalformedScoreReadsAsZero(t *testing.T) {
	fx := newFixture(t)
	id := fx.startSession(t)

	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Text: "What a moving idea. I could not put a number on it."})
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "What actually happened, start to finish?"})

	res, err := fx.eng.Continue(context.Background(), id, "It is about change and resilience.")
	require.NoError(t, err)
	assert.Equal(t, models.StageFollowUp, res.Stage)

	s := fx.session(t, id)
	require.NotNil(t, s.Elements.DepthScore)
	assert.Zero(t, *s.Elements.DepthScore)
	assert.Equal(t, models.DepthInsufficient, s.Elements.DepthClassification)
}

func TestContinueFollowUpLeadsToAnecdoteAsk(t *testing.T) {
	fx := newFixture(t)
	id := fx.startSession(t)

	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Text: "SCORE: 2.0"})
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "What was at stake that night?"})
	_, err := fx.eng.Continue(context.Background(), id, "I quit my job and moved here.")
	require.NoError(t, err)

	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "Give me the one moment you still replay."})
	res, err := fx.eng.Continue(context.Background(), id, "My savings were gone and my lease was up the same week.")
	require.NoError(t, err)
	assert.Equal(t, models.StagePersonalAnecdote, res.Stage)

	// The anecdote ask sees everything shared so far.
	reqs := fx.llm.Requests()
	lastUser := reqs[len(reqs)-1].User
	assert.Contains(t, lastUser, "I quit my job and moved here.")
	assert.Contains(t, lastUser, "My savings were gone")
}

func TestContinueAnecdoteProducesThreeHooks(t *testing.T) {
	fx := newFixture(t)
	id := fx.toHookSelection(t)

	s := fx.session(t, id)
	assert.Equal(t, models.StageHookSelection, s.Stage)
	assert.Equal(t, "I plated ceviche by candlelight while the line cooks took bets on whether we'd make it to close.",
		s.Elements.PersonalAnecdote)
	require.Len(t, s.Elements.HookCandidates, 3)
	assert.Equal(t, "The Last Shift", s.Elements.HookCandidates[0].Title)

	// One retrieval, and its chunks are counted and fed to the prompt.
	assert.Equal(t, 1, fx.vec.CallCount())
	assert.Equal(t, 2, s.Metadata.ContextChunksUsed)
	reqs := fx.llm.Requests()
	hookReq := reqs[len(reqs)-1]
	assert.Contains(t, hookReq.System, "opening hooks")
	assert.Contains(t, hookReq.User, "James River")

	last := s.History[len(s.History)-1]
	require.NotNil(t, last.Meta)
	assert.Equal(t, models.OptionTypeHook, last.Meta.OptionType)
	assert.Len(t, last.Meta.Options, 3)
}

func TestContinueReturnsOptionsPayload(t *testing.T) {
	fx := newFixture(t)
	id := fx.toAnecdote(t)

	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: threeHooks})
	res, err := fx.eng.Continue(context.Background(), id, "I plated ceviche by candlelight.")
	require.NoError(t, err)

	require.NotNil(t, res.Options)
	assert.Equal(t, models.OptionTypeHook, res.Options.Type)
	require.Len(t, res.Options.Candidates, 3)
	assert.Contains(t, res.Message, "1. The Last Shift")
	assert.Nil(t, res.Story)
}

func TestContinueHookParseFailureParksSession(t *testing.T) {
	fx := newFixture(t)
	id := fx.toAnecdote(t)

	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: twoHooks})
	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: twoHooks})

	anecdote := "I plated ceviche by candlelight while the line cooks took bets."
	_, err := fx.eng.Continue(context.Background(), id, anecdote)
	require.ErrorIs(t, err, ErrGenerationIncomplete)

	s := fx.session(t, id)
	assert.Equal(t, models.StageHookGeneration, s.Stage)
	assert.Equal(t, anecdote, s.Elements.PersonalAnecdote, "the anecdote survives the failed generation")
	assert.Empty(t, s.Elements.HookCandidates)
	assert.Equal(t, 4, s.Metadata.LLMCalls, "depth pair plus both rejected attempts")

	last := s.History[len(s.History)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "Nothing you shared was lost")

	// The reissue attempt carried the corrective suffix.
	reqs := fx.llm.Requests()
	retry := reqs[len(reqs)-1]
	assert.Contains(t, retry.User, "contained 2 well-formed HOOK lines")
	assert.Contains(t, retry.User, "exactly 3")
}

func TestContinueRetryAfterParkRecovers(t *testing.T) {
	fx := newFixture(t)
	id := fx.parkAtHookGeneration(t)

	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: threeHooks})
	res, err := fx.eng.Continue(context.Background(), id, "try again please")
	require.NoError(t, err)

	assert.Equal(t, models.StageHookSelection, res.Stage)
	require.NotNil(t, res.Options)
	assert.Len(t, res.Options.Candidates, 3)

	s := fx.session(t, id)
	assert.Contains(t, userTurns(s), "try again please")
	assert.Len(t, s.Elements.HookCandidates, 3)
}

func TestContinueRetryFailureCommitsNothing(t *testing.T) {
	fx := newFixture(t)
	id := fx.parkAtHookGeneration(t)

	before := fx.session(t, id)

	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: twoHooks})
	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: twoHooks})
	_, err := fx.eng.Continue(context.Background(), id, "again")
	require.ErrorIs(t, err, ErrGenerationIncomplete)

	after := fx.session(t, id)
	assert.Equal(t, models.StageHookGeneration, after.Stage)
	assert.Equal(t, len(before.History), len(after.History), "a failed retry leaves no trace")
	assert.Equal(t, before.Metadata.LLMCalls, after.Metadata.LLMCalls)
}

func TestSelectOptionHook(t *testing.T) {
	fx := newFixture(t)
	id := fx.toHookSelection(t)

	res, err := fx.eng.SelectOption(context.Background(), id, models.OptionTypeHook, 1)
	require.NoError(t, err)

	assert.Equal(t, models.StageArcDevelopment, res.Stage)
	assert.Contains(t, res.Message, "Stakes on the Table")

	s := fx.session(t, id)
	require.NotNil(t, s.Elements.SelectedHook)
	assert.Equal(t, 1, *s.Elements.SelectedHook)
	assert.Contains(t, userTurns(s), "selected hook 2: Stakes on the Table")
}

func TestSelectOptionValidation(t *testing.T) {
	fx := newFixture(t)
	id := fx.toHookSelection(t)

	_, err := fx.eng.SelectOption(context.Background(), id, models.OptionType("banner"), 0)
	assert.True(t, IsValidationError(err))

	_, err = fx.eng.SelectOption(context.Background(), id, models.OptionTypeHook, 3)
	assert.True(t, IsValidationError(err))

	_, err = fx.eng.SelectOption(context.Background(), id, models.OptionTypeHook, -1)
	assert.True(t, IsValidationError(err))
}

func TestSelectOptionBeforeOptionsExist(t *testing.T) {
	fx := newFixture(t)
	id := fx.startSession(t)

	_, err := fx.eng.SelectOption(context.Background(), id, models.OptionTypeHook, 0)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Selecting the other list at the wrong selection stage fails too.
	id2 := fx.toHookSelection(t)
	_, err = fx.eng.SelectOption(context.Background(), id2, models.OptionTypeCTA, 0)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestContinueDevelopsArc(t *testing.T) {
	fx := newFixture(t)
	id := fx.toQuoteIntegration(t)

	s := fx.session(t, id)
	assert.Equal(t, models.StageQuoteIntegration, s.Stage)
	assert.Contains(t, s.Elements.NarrativeArc, "dead walk-in")

	// The arc prompt carried the chosen hook and the direction.
	reqs := fx.llm.Requests()
	arcReq := reqs[len(reqs)-1]
	assert.Contains(t, arcReq.User, "The Last Shift")
	assert.Contains(t, arcReq.User, "trusting improvisation over the plan")
}

func TestContinueQuoteProducesCTAs(t *testing.T) {
	fx := newFixture(t)
	id := fx.toCTASelection(t)

	s := fx.session(t, id)
	assert.Equal(t, models.StageCTASelection, s.Stage)
	assert.Contains(t, s.Elements.IntegratedQuote, "the saucier said it")
	require.Len(t, s.Elements.CTACandidates, 3)
	assert.Equal(t, "Tell Yours", s.Elements.CTACandidates[0].Title)

	// The CTA prompt quotes the storyteller verbatim, not the woven passage.
	reqs := fx.llm.Requests()
	ctaReq := reqs[len(reqs)-1]
	assert.Contains(t, ctaReq.System, "closing calls to action")
	assert.Contains(t, ctaReq.User, "You can't plan your way out of a dead walk-in.")
}

func TestContinueCTAFailureParksWithQuoteCommitted(t *testing.T) {
	fx := newFixture(t)
	id := fx.toQuoteIntegration(t)

	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "The quote lands right after the lights flicker back on."})
	fx.llm.AddRouted(ctaRoute, llmtest.ScriptEntry{Text: twoCTAs})
	fx.llm.AddRouted(ctaRoute, llmtest.ScriptEntry{Text: twoCTAs})

	quote := "You can't plan your way out of a dead walk-in."
	_, err := fx.eng.Continue(context.Background(), id, quote)
	require.ErrorIs(t, err, ErrGenerationIncomplete)

	s := fx.session(t, id)
	assert.Equal(t, models.StageCTAGeneration, s.Stage)
	assert.Contains(t, s.Elements.IntegratedQuote, "lights flicker")
	assert.Empty(t, s.Elements.CTACandidates)
	assert.Contains(t, userTurns(s), quote)
}

func TestContinueCTARetryUsesRecordedQuote(t *testing.T) {
	fx := newFixture(t)
	id := fx.toQuoteIntegration(t)

	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "The quote lands mid-service."})
	fx.llm.AddRouted(ctaRoute, llmtest.ScriptEntry{Text: twoCTAs})
	fx.llm.AddRouted(ctaRoute, llmtest.ScriptEntry{Text: twoCTAs})
	quote := "You can't plan your way out of a dead walk-in."
	_, err := fx.eng.Continue(context.Background(), id, quote)
	require.ErrorIs(t, err, ErrGenerationIncomplete)

	fx.llm.AddRouted(ctaRoute, llmtest.ScriptEntry{Text: threeCTAs})
	res, err := fx.eng.Continue(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageCTASelection, res.Stage)

	reqs := fx.llm.Requests()
	retryReq := reqs[len(reqs)-1]
	assert.Contains(t, retryReq.User, quote, "the retry rebuilds the prompt from the recorded quote")
}

func TestGenerateFinal(t *testing.T) {
	fx := newFixture(t)
	id := fx.toReadyToGenerate(t)

	fx.llm.AddRouted(finalRoute, llmtest.ScriptEntry{
		Text: "The night the walk-in died, I learned to cook without a plan. " +
			"By the time we plated the last cold course, I knew I was done with the old life.\n\n" +
			"THEMES: improvisation, reinvention\nTONE: wry\nANGLE: leaving well",
	})

	res, err := fx.eng.GenerateFinal(context.Background(), id, "short_post")
	require.NoError(t, err)

	assert.Equal(t, models.StageStoryGenerated, res.Stage)
	assert.Equal(t, models.StatusCompleted, res.Status)
	require.NotNil(t, res.Story)
	assert.Equal(t, "short_post", res.Story.Style)
	assert.Positive(t, res.Story.WordCount)
	assert.Equal(t, []string{"improvisation", "reinvention"}, res.Story.Themes)
	assert.Equal(t, "wry", res.Story.Tone)
	assert.Equal(t, "leaving well", res.Story.Angle)
	assert.Equal(t, 2, res.Story.RichmondContextUsed)
	assert.NotContains(t, res.Story.Text, "THEMES:")

	// The assembly call honors the style budget and the brief.
	reqs := fx.llm.Requests()
	finalReq := reqs[len(reqs)-1]
	assert.Equal(t, 1024, finalReq.MaxTokens)
	assert.Contains(t, finalReq.User, "One scene, one beat.")
	assert.Contains(t, finalReq.User, "Let It Land")

	s := fx.session(t, id)
	assert.Equal(t, models.StatusCompleted, s.Status)
	require.NotNil(t, s.FinalStory)
	assert.Equal(t, res.Story.Text, s.FinalStory.Text)
	last := s.History[len(s.History)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, s.FinalStory.Text, last.Content)
}

func TestGenerateFinalTrailerFallbacks(t *testing.T) {
	fx := newFixture(t)
	id := fx.toReadyToGenerate(t)

	fx.llm.AddRouted(finalRoute, llmtest.ScriptEntry{Text: "A story with no metadata lines at all."})

	res, err := fx.eng.GenerateFinal(context.Background(), id, "blog_post")
	require.NoError(t, err)

	require.NotNil(t, res.Story)
	assert.Equal(t, []string{"The Last Shift"}, res.Story.Themes, "themes fall back to the chosen hook")
	assert.Equal(t, "personal", res.Story.Tone)
	assert.Equal(t, "Let It Land", res.Story.Angle, "angle falls back to the chosen CTA")
}

func TestGenerateFinalValidation(t *testing.T) {
	fx := newFixture(t)
	id := fx.toReadyToGenerate(t)

	_, err := fx.eng.GenerateFinal(context.Background(), id, "haiku")
	assert.True(t, IsValidationError(err))

	_, err = fx.eng.GenerateFinal(context.Background(), id, "")
	assert.True(t, IsValidationError(err))
}

func TestGenerateFinalAtWrongStage(t *testing.T) {
	fx := newFixture(t)
	id := fx.toHookSelection(t)

	_, err := fx.eng.GenerateFinal(context.Background(), id, "short_post")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestContinueAfterCompletion(t *testing.T) {
	fx := newFixture(t)
	id := fx.toReadyToGenerate(t)

	fx.llm.AddRouted(finalRoute, llmtest.ScriptEntry{Text: "Done and dusted."})
	_, err := fx.eng.GenerateFinal(context.Background(), id, "short_post")
	require.NoError(t, err)

	_, err = fx.eng.Continue(context.Background(), id, "one more thing")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestContinueRetrievalDegradation(t *testing.T) {
	fx := newFixture(t)
	id := fx.toAnecdote(t)

	fx.vec.FailWith(errors.New("dial tcp 10.0.0.7:5432: connect: connection refused"))
	fx.llm.AddRouted(hookRoute, llmtest.ScriptEntry{Text: threeHooks})

	res, err := fx.eng.Continue(context.Background(), id, "I plated ceviche by candlelight.")
	require.NoError(t, err, "retrieval failure must not fail the turn")
	require.NotNil(t, res.Options)
	assert.Len(t, res.Options.Candidates, 3)

	s := fx.session(t, id)
	assert.Zero(t, s.Metadata.ContextChunksUsed)
	assert.True(t, hasSystemTurn(s, "no local context retrieved"), "degradation leaves a system note")

	reqs := fx.llm.Requests()
	hookReq := reqs[len(reqs)-1]
	assert.Contains(t, hookReq.User, "no Richmond context available")
}

func TestContinueLLMFailureLeavesSessionUntouched(t *testing.T) {
	fx := newFixture(t)
	id := fx.startSession(t)

	before := fx.session(t, id)

	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Err: llm.ErrUnavailable})
	_, err := fx.eng.Continue(context.Background(), id, "The Tuesday everything broke at once.")
	require.ErrorIs(t, err, llm.ErrUnavailable)

	after := fx.session(t, id)
	assert.Equal(t, models.StageDepthAnalysis, after.Stage)
	assert.Equal(t, len(before.History), len(after.History))
}

func TestContinueValidation(t *testing.T) {
	fx := newFixture(t)
	id := fx.startSession(t)

	_, err := fx.eng.Continue(context.Background(), id, "   ")
	assert.True(t, IsValidationError(err))

	_, err = fx.eng.Continue(context.Background(), "", "hello")
	assert.True(t, IsValidationError(err))

	_, err = fx.eng.Continue(context.Background(), "00000000-0000-0000-0000-000000000000", "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiredSession(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	st := store.NewMemory(30*time.Minute, store.WithClock(clock.Now))
	fx := buildFixture(t, st)

	id := fx.startSession(t)
	clock.Advance(31 * time.Minute)

	_, err := fx.eng.Continue(context.Background(), id, "still there?")
	require.ErrorIs(t, err, store.ErrExpired)

	_, err = fx.eng.GetSession(context.Background(), id)
	require.ErrorIs(t, err, store.ErrExpired)

	// The transcript stays exportable after expiry.
	s, err := fx.eng.Export(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, s.Status)
	assert.True(t, hasSystemTurn(s, "session expired"))

	list, err := fx.eng.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListActiveOrdersByRecency(t *testing.T) {
	fx := newFixture(t)
	first := fx.startSession(t)
	second := fx.startSession(t)

	// Touch the first session so it becomes the most recently updated.
	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Text: "SCORE: 4.5"})
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "Tell me the moment."})
	_, err := fx.eng.Continue(context.Background(), first, "The Tuesday the walk-in died mid-service.")
	require.NoError(t, err)

	list, err := fx.eng.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
	assert.Equal(t, models.StagePersonalAnecdote, list[0].Stage)
}

func TestConcurrentTurnLosesCleanly(t *testing.T) {
	fx := newFixture(t)
	id := fx.startSession(t)

	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Text: "SCORE: 4.0", WaitCh: release, OnBlock: blocked})
	fx.llm.AddRouted(depthRoute, llmtest.ScriptEntry{Text: "SCORE: 4.0"})
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "Tell me the moment."})
	fx.llm.AddRouted(coachRoute, llmtest.ScriptEntry{Text: "Tell me the moment."})

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.eng.Continue(context.Background(), id, "first writer")
		errCh <- err
	}()
	<-blocked

	_, err := fx.eng.Continue(context.Background(), id, "second writer")
	require.NoError(t, err)

	close(release)
	require.ErrorIs(t, <-errCh, ErrInvalidTransition)

	s := fx.session(t, id)
	assert.Equal(t, []string{"second writer"}, userTurns(s), "only the winner's exchange lands")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
