// Package engine drives story-creation sessions through the staged
// conversation that turns a core idea into a finished narrative. Each
// operation validates the session's stage, runs its LLM and retrieval
// work on the request context, and commits the outcome as one store
// update on a detached context: a turn either happens completely or not
// at all.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rvastories/storyloom/pkg/config"
	"github.com/rvastories/storyloom/pkg/llm"
	"github.com/rvastories/storyloom/pkg/models"
	"github.com/rvastories/storyloom/pkg/observe"
	"github.com/rvastories/storyloom/pkg/prompt"
	"github.com/rvastories/storyloom/pkg/store"
	"github.com/rvastories/storyloom/pkg/vector"
)

const (
	defaultTopK          = 5
	defaultTemperature   = 0.7
	defaultCommitTimeout = 10 * time.Second

	// intermediateMaxTokens caps completions for mid-conversation calls.
	// Final assembly uses the chosen style's budget instead.
	intermediateMaxTokens = 1024
)

// degradedNoteContent is the system turn recorded when retrieval failed
// and the turn proceeded with empty context.
const degradedNoteContent = "no local context retrieved; continuing without corpus grounding"

// Engine orchestrates the conversation state machine on top of the
// session store, the LLM client, and corpus retrieval.
type Engine struct {
	store   store.Store
	llm     llm.Client
	library *prompt.Library
	styles  *config.StyleRegistry
	conv    config.SessionConfig

	// retriever may be nil when retrieval is configured off; stages then
	// run with empty context and no degradation note.
	retriever vector.Retriever
	topK      int

	temperature   float64
	commitTimeout time.Duration

	metrics *observe.Metrics
	logger  *slog.Logger
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithRetriever wires corpus retrieval. Without it every context-hungry
// stage runs on empty context.
func WithRetriever(r vector.Retriever, topK int) Option {
	return func(e *Engine) {
		e.retriever = r
		if topK > 0 {
			e.topK = topK
		}
	}
}

// WithTemperature sets the sampling temperature for generation calls.
// Depth scoring always runs at temperature zero.
func WithTemperature(t float64) Option {
	return func(e *Engine) {
		e.temperature = t
	}
}

// WithMetrics wires metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCommitTimeout bounds the detached context state commits run on.
func WithCommitTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.commitTimeout = d
		}
	}
}

// New creates an Engine over the given store, LLM client, prompt
// library, style registry, and conversation knobs.
func New(st store.Store, client llm.Client, library *prompt.Library, styles *config.StyleRegistry, conv config.SessionConfig, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		llm:           client,
		library:       library,
		styles:        styles,
		conv:          conv,
		topK:          defaultTopK,
		temperature:   defaultTemperature,
		commitTimeout: defaultCommitTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a session for the given core idea and asks the opening
// question. The session lands at depth_analysis, waiting on the
// storyteller's first pass.
func (e *Engine) Start(ctx context.Context, coreIdea, userID string) (*TurnResult, error) {
	started := time.Now()

	coreIdea = strings.TrimSpace(coreIdea)
	if utf8.RuneCountInString(coreIdea) < e.conv.MinCoreIdeaChars {
		return nil, NewValidationError("core_idea",
			fmt.Sprintf("must be at least %d characters", e.conv.MinCoreIdeaChars))
	}

	s, err := e.store.Create(ctx, coreIdea, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	opening, err := e.renderLocal(prompt.KeyKickoff, prompt.Vars{"core_idea": coreIdea})
	if err != nil {
		return nil, err
	}

	updated, err := e.commit(s.ID, models.StageKickoff, func(cur *models.Session) error {
		cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: opening, Stage: models.StageKickoff})
		cur.Stage = models.StageDepthAnalysis
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordSessionStarted(ctx)
	e.metrics.RecordTurn(ctx, "start", string(models.StageKickoff), time.Since(started).Seconds())
	e.logger.Info("session started",
		slog.String("session_id", s.ID),
		slog.String("stage", string(updated.Stage)))

	return e.result(updated, opening), nil
}

// Continue advances the session with the storyteller's message. The
// work performed depends on the current stage; a committed turn moves
// the session to its next stage, a failed one leaves it untouched
// except for the sanctioned parking commit after a failed generation.
func (e *Engine) Continue(ctx context.Context, sessionID, message string) (*TurnResult, error) {
	started := time.Now()

	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	message = strings.TrimSpace(message)

	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var res *TurnResult
	switch s.Stage {
	case models.StageDepthAnalysis:
		res, err = e.analyzeDepth(ctx, s, message)
	case models.StageFollowUp:
		res, err = e.recordFollowUp(ctx, s, message)
	case models.StagePersonalAnecdote:
		res, err = e.recordAnecdote(ctx, s, message)
	case models.StageHookGeneration:
		res, err = e.retryHookGeneration(ctx, s, message)
	case models.StageArcDevelopment:
		res, err = e.developArc(ctx, s, message)
	case models.StageQuoteIntegration:
		res, err = e.integrateQuote(ctx, s, message)
	case models.StageCTAGeneration:
		res, err = e.retryCTAGeneration(ctx, s, message)
	default:
		return nil, fmt.Errorf("%w: continue at %s", ErrInvalidTransition, s.Stage)
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTurn(ctx, "continue", string(s.Stage), time.Since(started).Seconds())
	e.logger.Info("turn accepted",
		slog.String("session_id", sessionID),
		slog.String("from", string(s.Stage)),
		slog.String("to", string(res.Stage)))
	return res, nil
}

// SelectOption records the storyteller's choice among the presented
// candidates and advances past the selection stage.
func (e *Engine) SelectOption(ctx context.Context, sessionID string, optionType models.OptionType, index int) (*TurnResult, error) {
	started := time.Now()

	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if optionType != models.OptionTypeHook && optionType != models.OptionTypeCTA {
		return nil, NewValidationError("option_type", "must be 'hook' or 'cta'")
	}
	if index < 0 || index >= models.CandidateCount {
		return nil, NewValidationError("option_index",
			fmt.Sprintf("must be between 0 and %d", models.CandidateCount-1))
	}

	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	expect, next := models.StageHookSelection, models.StageArcDevelopment
	ackKey := prompt.KeyHookSelected
	candidates := s.Elements.HookCandidates
	if optionType == models.OptionTypeCTA {
		expect, next = models.StageCTASelection, models.StageReadyToGenerate
		ackKey = prompt.KeyCTASelected
		candidates = s.Elements.CTACandidates
	}
	if s.Stage != expect {
		return nil, fmt.Errorf("%w: select %s at %s", ErrInvalidTransition, optionType, s.Stage)
	}
	if index >= len(candidates) {
		return nil, NewValidationError("option_index", "no such option")
	}
	choice := candidates[index]

	ack, err := e.renderLocal(ackKey, prompt.Vars{"title": choice.Title})
	if err != nil {
		return nil, err
	}

	updated, err := e.commit(sessionID, expect, func(cur *models.Session) error {
		idx := index
		cur.AppendTurn(models.Turn{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("selected %s %d: %s", optionType, index+1, choice.Title),
			Stage:   expect,
		})
		cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: ack, Stage: expect})
		if optionType == models.OptionTypeHook {
			cur.Elements.SelectedHook = &idx
		} else {
			cur.Elements.SelectedCTA = &idx
		}
		cur.Stage = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTurn(ctx, "select_option", string(expect), time.Since(started).Seconds())
	e.logger.Info("option selected",
		slog.String("session_id", sessionID),
		slog.String("option_type", string(optionType)),
		slog.Int("option_index", index))
	return e.result(updated, ack), nil
}

// GenerateFinal assembles the finished story in the requested style and
// completes the session.
func (e *Engine) GenerateFinal(ctx context.Context, sessionID, styleName string) (*TurnResult, error) {
	started := time.Now()

	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if styleName == "" {
		return nil, NewValidationError("style", "required")
	}
	style, err := e.styles.Get(styleName)
	if err != nil {
		return nil, NewValidationError("style", fmt.Sprintf("unknown style %q", styleName))
	}

	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Stage != models.StageReadyToGenerate {
		return nil, fmt.Errorf("%w: generate at %s", ErrInvalidTransition, s.Stage)
	}
	hook, hookOK := s.Elements.SelectedHookCandidate()
	cta, ctaOK := s.Elements.SelectedCTACandidate()
	if !hookOK || !ctaOK {
		return nil, fmt.Errorf("%w: story elements incomplete", ErrInvalidTransition)
	}

	chunks, degraded := e.retrieve(ctx, s.ID,
		joinNonEmpty(s.Elements.PersonalAnecdote, s.Elements.NarrativeArc))

	resp, err := e.complete(ctx, prompt.KeyFinalAssembly, prompt.Vars{
		"core_idea":      s.CoreIdea,
		"anecdote":       s.Elements.PersonalAnecdote,
		"hook_title":     hook.Title,
		"hook_body":      hook.Body,
		"arc":            s.Elements.NarrativeArc,
		"quote":          rawQuote(s),
		"cta_title":      cta.Title,
		"cta_body":       cta.Body,
		"style":          styleName,
		"style_guidance": style.Guidance,
		"context":        renderContext(chunks),
	}, e.temperature, style.MaxTokens)
	if err != nil {
		return nil, err
	}

	text, trailer := splitStoryTrailer(resp.Text)
	if text == "" {
		text = strings.TrimSpace(resp.Text)
	}
	story := &models.FinalStory{
		Text:                text,
		Style:               styleName,
		WordCount:           models.WordCount(text),
		Themes:              trailer.themes,
		Tone:                trailer.tone,
		Angle:               trailer.angle,
		RichmondContextUsed: len(chunks),
	}
	// Trailer lines are optional; missing metadata falls back to the
	// selections that shaped the story.
	if len(story.Themes) == 0 {
		story.Themes = []string{hook.Title}
	}
	if story.Tone == "" {
		story.Tone = "personal"
	}
	if story.Angle == "" {
		story.Angle = cta.Title
	}

	updated, err := e.commit(sessionID, models.StageReadyToGenerate, func(cur *models.Session) error {
		cur.AppendTurn(models.Turn{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("requested the final story in the %s style", styleName),
			Stage:   models.StageReadyToGenerate,
		})
		if degraded {
			cur.AppendTurn(models.Turn{Role: models.RoleSystem, Content: degradedNoteContent, Stage: models.StageReadyToGenerate})
		}
		cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: story.Text, Stage: models.StageReadyToGenerate})
		cur.FinalStory = story
		cur.Stage = models.StageStoryGenerated
		cur.Status = models.StatusCompleted
		cur.Metadata.LLMCalls++
		cur.Metadata.ContextChunksUsed += len(chunks)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTurn(ctx, "generate_final", string(models.StageReadyToGenerate), time.Since(started).Seconds())
	e.logger.Info("story generated",
		slog.String("session_id", sessionID),
		slog.String("style", styleName),
		slog.Int("word_count", story.WordCount),
		slog.Int("context_chunks", story.RichmondContextUsed))
	return e.result(updated, story.Text), nil
}

// GetSession returns a full snapshot of one session.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	return e.store.Get(ctx, sessionID)
}

// ListActive returns summaries of sessions still in progress.
func (e *Engine) ListActive(ctx context.Context) ([]models.SessionSummary, error) {
	return e.store.ListActive(ctx)
}

// Export returns a snapshot of any session, including completed and
// expired ones, until retention purges them.
func (e *Engine) Export(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	return e.store.Export(ctx, sessionID)
}

// analyzeDepth scores the storyteller's first pass and routes to either
// a follow-up question or the anecdote ask.
func (e *Engine) analyzeDepth(ctx context.Context, s *models.Session, message string) (*TurnResult, error) {
	if message == "" {
		return nil, NewValidationError("message", "required")
	}

	// Scoring runs at temperature zero; a reply with no recognizable
	// score reads as zero depth.
	scored, err := e.complete(ctx, prompt.KeyDepthAnalysis, prompt.Vars{
		"core_idea":     s.CoreIdea,
		"user_response": message,
	}, 0, intermediateMaxTokens)
	if err != nil {
		return nil, err
	}
	score, parsed := parseDepthScore(scored.Text)
	if !parsed {
		e.logger.Warn("depth reply had no recognizable score, treating as zero",
			slog.String("session_id", s.ID))
	}

	classification := models.DepthInsufficient
	next := models.StageFollowUp
	askKey := prompt.KeyFollowUpQuestion
	askVars := prompt.Vars{"core_idea": s.CoreIdea, "user_response": message, "depth_score": score}
	if score >= e.conv.DepthCutoff {
		classification = models.DepthSufficient
		next = models.StagePersonalAnecdote
		askKey = prompt.KeyPersonalAnecdote
		askVars = prompt.Vars{"core_idea": s.CoreIdea, "exploration": message}
	}

	ask, err := e.complete(ctx, askKey, askVars, e.temperature, intermediateMaxTokens)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(ask.Text)

	updated, err := e.commit(s.ID, models.StageDepthAnalysis, func(cur *models.Session) error {
		cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StageDepthAnalysis})
		cur.AppendTurn(models.Turn{
			Role:    models.RoleAssistant,
			Content: question,
			Stage:   models.StageDepthAnalysis,
			Meta:    &models.TurnAttachments{DepthScore: ptr(score), Classification: classification},
		})
		cur.Elements.DepthScore = ptr(score)
		cur.Elements.DepthClassification = classification
		cur.Stage = next
		cur.Metadata.LLMCalls += 2
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.result(updated, question), nil
}

// recordFollowUp stores the storyteller's enrichment answer and moves
// on to the anecdote ask. Depth is analyzed once per session; the
// follow-up answer is taken at face value.
func (e *Engine) recordFollowUp(ctx context.Context, s *models.Session, message string) (*TurnResult, error) {
	if message == "" {
		return nil, NewValidationError("message", "required")
	}

	ask, err := e.complete(ctx, prompt.KeyPersonalAnecdote, prompt.Vars{
		"core_idea":   s.CoreIdea,
		"exploration": joinNonEmpty(exploration(s), message),
	}, e.temperature, intermediateMaxTokens)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(ask.Text)

	updated, err := e.commit(s.ID, models.StageFollowUp, func(cur *models.Session) error {
		cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StageFollowUp})
		cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: question, Stage: models.StageFollowUp})
		cur.Stage = models.StagePersonalAnecdote
		cur.Metadata.LLMCalls++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.result(updated, question), nil
}

// recordAnecdote stores the storyteller's anecdote and produces the
// three opening-hook candidates. If candidate generation fails, the
// anecdote still commits and the session parks at hook_generation so
// the storyteller can retry without re-telling the moment.
func (e *Engine) recordAnecdote(ctx context.Context, s *models.Session, message string) (*TurnResult, error) {
	if message == "" {
		return nil, NewValidationError("message", "required")
	}

	chunks, degraded := e.retrieve(ctx, s.ID, joinNonEmpty(s.CoreIdea, exploration(s), message))

	candidates, calls, genErr := e.generateCandidates(ctx, prompt.KeyHookGeneration, prompt.Vars{
		"core_idea": s.CoreIdea,
		"anecdote":  message,
		"context":   renderContext(chunks),
	}, models.OptionTypeHook, e.conv.HookRetries)
	if genErr != nil {
		if ctx.Err() != nil {
			return nil, genErr
		}
		e.parkGeneration(s.ID, models.StagePersonalAnecdote, models.StageHookGeneration, degraded, calls,
			func(cur *models.Session) {
				cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StagePersonalAnecdote})
				cur.Elements.PersonalAnecdote = message
			})
		return nil, genErr
	}

	presented := formatCandidates(models.OptionTypeHook, candidates)
	updated, err := e.commit(s.ID, models.StagePersonalAnecdote, func(cur *models.Session) error {
		cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StagePersonalAnecdote})
		if degraded {
			cur.AppendTurn(models.Turn{Role: models.RoleSystem, Content: degradedNoteContent, Stage: models.StagePersonalAnecdote})
		}
		cur.AppendTurn(models.Turn{
			Role:    models.RoleAssistant,
			Content: presented,
			Stage:   models.StagePersonalAnecdote,
			Meta:    &models.TurnAttachments{Options: candidates, OptionType: models.OptionTypeHook},
		})
		cur.Elements.PersonalAnecdote = message
		cur.Elements.HookCandidates = candidates
		cur.Stage = models.StageHookSelection
		cur.Metadata.LLMCalls += calls
		cur.Metadata.ContextChunksUsed += len(chunks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.resultWithOptions(updated, presented, models.OptionTypeHook, candidates), nil
}

// retryHookGeneration reattempts hook generation for a session parked
// by an earlier failure. The anecdote is already recorded, so a failed
// retry commits nothing and the response stays repeatable.
func (e *Engine) retryHookGeneration(ctx context.Context, s *models.Session, message string) (*TurnResult, error) {
	anecdote := s.Elements.PersonalAnecdote
	chunks, degraded := e.retrieve(ctx, s.ID, joinNonEmpty(s.CoreIdea, exploration(s), anecdote))

	candidates, calls, genErr := e.generateCandidates(ctx, prompt.KeyHookGeneration, prompt.Vars{
		"core_idea": s.CoreIdea,
		"anecdote":  anecdote,
		"context":   renderContext(chunks),
	}, models.OptionTypeHook, e.conv.HookRetries)
	if genErr != nil {
		return nil, genErr
	}

	presented := formatCandidates(models.OptionTypeHook, candidates)
	updated, err := e.commit(s.ID, models.StageHookGeneration, func(cur *models.Session) error {
		if message != "" {
			cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StageHookGeneration})
		}
		if degraded {
			cur.AppendTurn(models.Turn{Role: models.RoleSystem, Content: degradedNoteContent, Stage: models.StageHookGeneration})
		}
		cur.AppendTurn(models.Turn{
			Role:    models.RoleAssistant,
			Content: presented,
			Stage:   models.StageHookGeneration,
			Meta:    &models.TurnAttachments{Options: candidates, OptionType: models.OptionTypeHook},
		})
		cur.Elements.HookCandidates = candidates
		cur.Stage = models.StageHookSelection
		cur.Metadata.LLMCalls += calls
		cur.Metadata.ContextChunksUsed += len(chunks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.resultWithOptions(updated, presented, models.OptionTypeHook, candidates), nil
}

// developArc turns the chosen hook plus the storyteller's direction
// into the narrative arc.
func (e *Engine) developArc(ctx context.Context, s *models.Session, message string) (*TurnResult, error) {
	if message == "" {
		return nil, NewValidationError("message", "required")
	}
	hook, ok := s.Elements.SelectedHookCandidate()
	if !ok {
		return nil, fmt.Errorf("%w: no hook selected", ErrInvalidTransition)
	}

	chunks, degraded := e.retrieve(ctx, s.ID, joinNonEmpty(s.CoreIdea, s.Elements.PersonalAnecdote, message))

	resp, err := e.complete(ctx, prompt.KeyArcDevelopment, prompt.Vars{
		"core_idea":  s.CoreIdea,
		"anecdote":   s.Elements.PersonalAnecdote,
		"hook_title": hook.Title,
		"hook_body":  hook.Body,
		"direction":  message,
		"context":    renderContext(chunks),
	}, e.temperature, intermediateMaxTokens)
	if err != nil {
		return nil, err
	}
	arc := strings.TrimSpace(resp.Text)

	updated, err := e.commit(s.ID, models.StageArcDevelopment, func(cur *models.Session) error {
		cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StageArcDevelopment})
		if degraded {
			cur.AppendTurn(models.Turn{Role: models.RoleSystem, Content: degradedNoteContent, Stage: models.StageArcDevelopment})
		}
		cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: arc, Stage: models.StageArcDevelopment})
		cur.Elements.NarrativeArc = arc
		cur.Stage = models.StageQuoteIntegration
		cur.Metadata.LLMCalls++
		cur.Metadata.ContextChunksUsed += len(chunks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.result(updated, arc), nil
}

// integrateQuote weaves the storyteller's quote into the arc, then
// produces the three call-to-action candidates. The quote and the woven
// passage commit even when CTA generation fails; the session then parks
// at cta_generation.
func (e *Engine) integrateQuote(ctx context.Context, s *models.Session, message string) (*TurnResult, error) {
	if message == "" {
		return nil, NewValidationError("message", "required")
	}

	chunks, degraded := e.retrieve(ctx, s.ID, joinNonEmpty(s.Elements.NarrativeArc, message))
	contextBlock := renderContext(chunks)

	woven, err := e.complete(ctx, prompt.KeyQuoteIntegration, prompt.Vars{
		"core_idea": s.CoreIdea,
		"arc":       s.Elements.NarrativeArc,
		"quote":     message,
		"context":   contextBlock,
	}, e.temperature, intermediateMaxTokens)
	if err != nil {
		return nil, err
	}
	passage := strings.TrimSpace(woven.Text)

	candidates, genCalls, genErr := e.generateCandidates(ctx, prompt.KeyCTAGeneration, prompt.Vars{
		"core_idea": s.CoreIdea,
		"arc":       s.Elements.NarrativeArc,
		"quote":     message,
		"context":   contextBlock,
	}, models.OptionTypeCTA, e.conv.CTARetries)
	calls := genCalls + 1

	if genErr != nil {
		if ctx.Err() != nil {
			return nil, genErr
		}
		e.parkGeneration(s.ID, models.StageQuoteIntegration, models.StageCTAGeneration, degraded, calls,
			func(cur *models.Session) {
				cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StageQuoteIntegration})
				cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: passage, Stage: models.StageQuoteIntegration})
				cur.Elements.IntegratedQuote = passage
				cur.Metadata.ContextChunksUsed += len(chunks)
			})
		return nil, genErr
	}

	presented := formatCandidates(models.OptionTypeCTA, candidates)
	updated, err := e.commit(s.ID, models.StageQuoteIntegration, func(cur *models.Session) error {
		cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StageQuoteIntegration})
		if degraded {
			cur.AppendTurn(models.Turn{Role: models.RoleSystem, Content: degradedNoteContent, Stage: models.StageQuoteIntegration})
		}
		cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: passage, Stage: models.StageQuoteIntegration})
		cur.AppendTurn(models.Turn{
			Role:    models.RoleAssistant,
			Content: presented,
			Stage:   models.StageQuoteIntegration,
			Meta:    &models.TurnAttachments{Options: candidates, OptionType: models.OptionTypeCTA},
		})
		cur.Elements.IntegratedQuote = passage
		cur.Elements.CTACandidates = candidates
		cur.Stage = models.StageCTASelection
		cur.Metadata.LLMCalls += calls
		cur.Metadata.ContextChunksUsed += len(chunks)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := e.resultWithOptions(updated, passage+"\n\n"+presented, models.OptionTypeCTA, candidates)
	return res, nil
}

// retryCTAGeneration reattempts CTA generation for a parked session.
func (e *Engine) retryCTAGeneration(ctx context.Context, s *models.Session, message string) (*TurnResult, error) {
	quote := rawQuote(s)
	chunks, degraded := e.retrieve(ctx, s.ID, joinNonEmpty(s.Elements.NarrativeArc, quote))

	candidates, calls, genErr := e.generateCandidates(ctx, prompt.KeyCTAGeneration, prompt.Vars{
		"core_idea": s.CoreIdea,
		"arc":       s.Elements.NarrativeArc,
		"quote":     quote,
		"context":   renderContext(chunks),
	}, models.OptionTypeCTA, e.conv.CTARetries)
	if genErr != nil {
		return nil, genErr
	}

	presented := formatCandidates(models.OptionTypeCTA, candidates)
	updated, err := e.commit(s.ID, models.StageCTAGeneration, func(cur *models.Session) error {
		if message != "" {
			cur.AppendTurn(models.Turn{Role: models.RoleUser, Content: message, Stage: models.StageCTAGeneration})
		}
		if degraded {
			cur.AppendTurn(models.Turn{Role: models.RoleSystem, Content: degradedNoteContent, Stage: models.StageCTAGeneration})
		}
		cur.AppendTurn(models.Turn{
			Role:    models.RoleAssistant,
			Content: presented,
			Stage:   models.StageCTAGeneration,
			Meta:    &models.TurnAttachments{Options: candidates, OptionType: models.OptionTypeCTA},
		})
		cur.Elements.CTACandidates = candidates
		cur.Stage = models.StageCTASelection
		cur.Metadata.LLMCalls += calls
		cur.Metadata.ContextChunksUsed += len(chunks)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.resultWithOptions(updated, presented, models.OptionTypeCTA, candidates), nil
}

// generateCandidates runs one exactly-three generation, reissuing with
// a corrective suffix while the reply does not parse. calls reports how
// many completions were made, including rejected ones.
func (e *Engine) generateCandidates(ctx context.Context, key prompt.Key, vars prompt.Vars, kind models.OptionType, retries int) ([]models.Candidate, int, error) {
	tag := strings.ToUpper(string(kind))

	base, err := e.library.Render(key, vars)
	if err != nil {
		return nil, 0, err
	}

	calls := 0
	user := base.User
	for attempt := 1; attempt <= retries+1; attempt++ {
		calls++
		resp, callErr := e.llm.Complete(ctx, llm.Request{
			System:      base.System,
			User:        user,
			Temperature: e.temperature,
			MaxTokens:   intermediateMaxTokens,
		})
		if callErr != nil {
			return nil, calls, fmt.Errorf("%s generation: %w", kind, callErr)
		}

		candidates, found := parseCandidates(resp.Text, tag)
		if candidates != nil {
			return candidates, calls, nil
		}

		e.logger.Warn("generation reply did not contain exactly three candidates",
			slog.String("kind", string(kind)),
			slog.Int("found", found),
			slog.Int("attempt", attempt))

		suffix, renderErr := e.renderLocal(prompt.KeyReissueExactThree, prompt.Vars{"kind": tag, "count": found})
		if renderErr != nil {
			return nil, calls, renderErr
		}
		user = base.User + "\n\n" + suffix
	}

	e.metrics.RecordGenerationIncomplete(ctx, string(kind))
	return nil, calls, fmt.Errorf("%w: %s generation failed after %d attempts", ErrGenerationIncomplete, kind, calls)
}

// parkGeneration commits the turn's salvageable content plus a recovery
// message, leaving the session at the resting generation stage. Commit
// errors are logged, not returned; the caller's generation error is
// what the client sees either way.
func (e *Engine) parkGeneration(sessionID string, expect, parkAt models.Stage, degraded bool, calls int, apply func(*models.Session)) {
	note, err := e.renderLocal(prompt.KeyErrorRecovery, prompt.Vars{"stage": string(parkAt)})
	if err != nil {
		e.logger.Error("failed to render recovery message", slog.Any("error", err))
		return
	}

	if _, err := e.commit(sessionID, expect, func(cur *models.Session) error {
		apply(cur)
		if degraded {
			cur.AppendTurn(models.Turn{Role: models.RoleSystem, Content: degradedNoteContent, Stage: expect})
		}
		cur.AppendTurn(models.Turn{Role: models.RoleAssistant, Content: note, Stage: expect})
		cur.Stage = parkAt
		cur.Metadata.LLMCalls += calls
		return nil
	}); err != nil {
		e.logger.Error("failed to park incomplete generation",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
		return
	}

	e.logger.Warn("generation failed, session parked",
		slog.String("session_id", sessionID),
		slog.String("parked_at", string(parkAt)))
}

// commit applies one mutation through the store on a context detached
// from the request, so a client disconnect cannot half-apply a turn.
// The expected stage is re-checked inside the mutator: a concurrent
// turn that moved the session first wins, and this write fails with
// ErrInvalidTransition.
func (e *Engine) commit(sessionID string, expect models.Stage, fn store.UpdateFunc) (*models.Session, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), e.commitTimeout)
	defer cancel()

	return e.store.Update(writeCtx, sessionID, func(cur *models.Session) error {
		if cur.Stage != expect {
			return fmt.Errorf("%w: session moved to %s", ErrInvalidTransition, cur.Stage)
		}
		return fn(cur)
	})
}

// complete renders one template and runs a single completion.
func (e *Engine) complete(ctx context.Context, key prompt.Key, vars prompt.Vars, temperature float64, maxTokens int) (llm.Response, error) {
	p, err := e.library.Render(key, vars)
	if err != nil {
		return llm.Response{}, err
	}
	resp, err := e.llm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("%s completion: %w", key, err)
	}
	return resp, nil
}

// renderLocal renders a template the engine emits without an LLM call.
func (e *Engine) renderLocal(key prompt.Key, vars prompt.Vars) (string, error) {
	p, err := e.library.Render(key, vars)
	if err != nil {
		return "", err
	}
	return p.User, nil
}

// retrieve fetches corpus context for a query. Failures degrade rather
// than abort: the turn proceeds with no chunks and the session gets a
// system note. A nil retriever means retrieval is configured off, which
// is not degradation.
func (e *Engine) retrieve(ctx context.Context, sessionID, query string) ([]vector.Chunk, bool) {
	if e.retriever == nil {
		return nil, false
	}
	chunks, err := e.retriever.Retrieve(ctx, query, e.topK)
	if err != nil {
		e.metrics.RecordVectorDegraded(ctx)
		e.logger.Warn("context retrieval failed, continuing degraded",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
		return nil, true
	}
	return chunks, false
}

func (e *Engine) result(s *models.Session, message string) *TurnResult {
	return &TurnResult{
		SessionID: s.ID,
		Stage:     s.Stage,
		Status:    s.Status,
		Message:   message,
		Story:     s.FinalStory,
	}
}

func (e *Engine) resultWithOptions(s *models.Session, message string, t models.OptionType, candidates []models.Candidate) *TurnResult {
	res := e.result(s, message)
	res.Options = &Options{Type: t, Candidates: candidates}
	return res
}

// exploration joins everything the storyteller has shared about the
// idea before the anecdote: their depth-analysis pass and any follow-up
// answer.
func exploration(s *models.Session) string {
	var parts []string
	for _, t := range s.History {
		if t.Role != models.RoleUser {
			continue
		}
		if t.Stage == models.StageDepthAnalysis || t.Stage == models.StageFollowUp {
			parts = append(parts, t.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// rawQuote returns the storyteller's quote as they gave it: the last
// user turn of the quote_integration stage. The integrated passage in
// the elements is the draft weave, not the quote itself.
func rawQuote(s *models.Session) string {
	for i := len(s.History) - 1; i >= 0; i-- {
		t := s.History[i]
		if t.Role == models.RoleUser && t.Stage == models.StageQuoteIntegration {
			return t.Content
		}
	}
	return ""
}

// joinNonEmpty joins the non-blank parts with blank lines, building a
// retrieval query from whatever material a stage has.
func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// renderContext formats retrieved chunks for prompt consumption.
func renderContext(chunks []vector.Chunk) string {
	if len(chunks) == 0 {
		return "(no Richmond context available)"
	}
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] %s", i+1, strings.TrimSpace(c.Text))
		if c.Source != "" {
			fmt.Fprintf(&sb, " (source: %s)", c.Source)
		}
	}
	return sb.String()
}

// formatCandidates renders a candidate list as the assistant's message
// text. The structured list rides along in the turn attachments and the
// response payload; this is the human-readable view.
func formatCandidates(t models.OptionType, candidates []models.Candidate) string {
	var sb strings.Builder
	if t == models.OptionTypeHook {
		sb.WriteString("Here are three ways to open your story:\n")
	} else {
		sb.WriteString("Here are three ways to close it out:\n")
	}
	for i, c := range candidates {
		fmt.Fprintf(&sb, "\n%d. %s: %s", i+1, c.Title, c.Body)
	}
	sb.WriteString("\n\nPick the one that sounds like you.")
	return sb.String()
}

func ptr[T any](v T) *T {
	return &v
}
