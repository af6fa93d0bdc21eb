package models

import (
	"slices"
	"time"
)

// Session is the full state of one story-creation conversation. It is a
// value owned by the session store; callers always receive deep copies and
// mutate through the store's update path, never in place.
type Session struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	CoreIdea string `json:"core_idea"`

	Stage  Stage  `json:"stage"`
	Status Status `json:"status"`

	History  []Turn        `json:"history"`
	Elements StoryElements `json:"elements"`

	// FinalStory is set exactly when Stage == StageStoryGenerated.
	FinalStory *FinalStory `json:"final_story,omitempty"`

	Metadata Metadata `json:"metadata"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	TTLDeadline time.Time `json:"ttl_deadline"`
}

// Turn is one entry in the conversation history. Indices are dense and
// assigned in creation order.
type Turn struct {
	Index     int              `json:"index"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Stage     Stage            `json:"stage"`
	CreatedAt time.Time        `json:"created_at"`
	Meta      *TurnAttachments `json:"meta,omitempty"`
}

// TurnAttachments carries structured payloads alongside a turn's text, such
// as the depth score of an analysis turn or the candidate list of a
// generation turn.
type TurnAttachments struct {
	DepthScore     *float64            `json:"depth_score,omitempty"`
	Classification DepthClassification `json:"classification,omitempty"`
	Options        []Candidate         `json:"options,omitempty"`
	OptionType     OptionType          `json:"option_type,omitempty"`
	Note           string              `json:"note,omitempty"`
}

// Metadata holds per-session counters.
type Metadata struct {
	TurnCount         int `json:"turn_count"`
	LLMCalls          int `json:"llm_calls"`
	ContextChunksUsed int `json:"context_chunks_used"`
}

// SessionSummary is the listing projection of a session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	Status    Status    `json:"status"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendTurn adds t to the history with the next dense index and keeps the
// turn counter in sync.
func (s *Session) AppendTurn(t Turn) {
	t.Index = len(s.History)
	s.History = append(s.History, t)
	s.Metadata.TurnCount = len(s.History)
}

// Summary returns the listing projection of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		Stage:     s.Stage,
		Status:    s.Status,
		TurnCount: len(s.History),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Clone returns a deep copy of the session. Nothing in the copy aliases the
// original: history, attachments, candidate lists and the final story are
// all duplicated.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		out.History[i] = t.clone()
	}
	out.Elements = s.Elements.clone()
	if s.FinalStory != nil {
		fs := *s.FinalStory
		fs.Themes = slices.Clone(s.FinalStory.Themes)
		out.FinalStory = &fs
	}
	return &out
}

func (t Turn) clone() Turn {
	out := t
	if t.Meta != nil {
		meta := *t.Meta
		if t.Meta.DepthScore != nil {
			v := *t.Meta.DepthScore
			meta.DepthScore = &v
		}
		meta.Options = slices.Clone(t.Meta.Options)
		out.Meta = &meta
	}
	return out
}
