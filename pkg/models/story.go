package models

import (
	"slices"
	"strings"
)

// CandidateCount is the number of hook/CTA candidates a generation step must
// produce for the result to be accepted.
const CandidateCount = 3

// Candidate is one selectable hook or call-to-action option.
type Candidate struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// StoryElements accumulates the building blocks gathered across the
// conversation. Fields are filled in stage order and never cleared.
type StoryElements struct {
	DepthScore          *float64            `json:"depth_score,omitempty"`
	DepthClassification DepthClassification `json:"depth_classification,omitempty"`
	PersonalAnecdote    string              `json:"personal_anecdote,omitempty"`
	HookCandidates      []Candidate         `json:"hook_candidates,omitempty"`
	SelectedHook        *int                `json:"selected_hook,omitempty"`
	NarrativeArc        string              `json:"narrative_arc,omitempty"`
	IntegratedQuote     string              `json:"integrated_quote,omitempty"`
	CTACandidates       []Candidate         `json:"cta_candidates,omitempty"`
	SelectedCTA         *int                `json:"selected_cta,omitempty"`
}

// SelectedHookCandidate returns the chosen hook, if a valid selection exists.
func (e StoryElements) SelectedHookCandidate() (Candidate, bool) {
	return selected(e.HookCandidates, e.SelectedHook)
}

// SelectedCTACandidate returns the chosen call to action, if a valid
// selection exists.
func (e StoryElements) SelectedCTACandidate() (Candidate, bool) {
	return selected(e.CTACandidates, e.SelectedCTA)
}

func selected(candidates []Candidate, idx *int) (Candidate, bool) {
	if idx == nil || *idx < 0 || *idx >= len(candidates) {
		return Candidate{}, false
	}
	return candidates[*idx], true
}

func (e StoryElements) clone() StoryElements {
	out := e
	if e.DepthScore != nil {
		v := *e.DepthScore
		out.DepthScore = &v
	}
	out.HookCandidates = slices.Clone(e.HookCandidates)
	out.CTACandidates = slices.Clone(e.CTACandidates)
	if e.SelectedHook != nil {
		v := *e.SelectedHook
		out.SelectedHook = &v
	}
	if e.SelectedCTA != nil {
		v := *e.SelectedCTA
		out.SelectedCTA = &v
	}
	return out
}

// FinalStory is the assembled output of a completed session.
type FinalStory struct {
	Text      string   `json:"text"`
	Style     string   `json:"style"`
	WordCount int      `json:"word_count"`
	Themes    []string `json:"themes"`
	Tone      string   `json:"tone"`
	Angle     string   `json:"angle"`

	// RichmondContextUsed counts the corpus chunks retrieved for the final
	// assembly call. Zero when retrieval degraded.
	RichmondContextUsed int `json:"richmond_context_used"`
}

// WordCount counts whitespace-delimited tokens of the trimmed text.
func WordCount(text string) int {
	return len(strings.Fields(strings.TrimSpace(text)))
}
