// Package models contains the core domain types for story-creation sessions:
// the session document, its turn history, accumulated story elements, and the
// assembled final story.
package models

// Stage identifies a position in the conversation state machine.
type Stage string

const (
	StageKickoff          Stage = "kickoff"
	StageDepthAnalysis    Stage = "depth_analysis"
	StageFollowUp         Stage = "follow_up"
	StagePersonalAnecdote Stage = "personal_anecdote"
	StageHookGeneration   Stage = "hook_generation"
	StageHookSelection    Stage = "hook_selection"
	StageArcDevelopment   Stage = "arc_development"
	StageQuoteIntegration Stage = "quote_integration"
	StageCTAGeneration    Stage = "cta_generation"
	StageCTASelection     Stage = "cta_selection"
	StageReadyToGenerate  Stage = "ready_to_generate"
	StageStoryGenerated   Stage = "story_generated"
)

// AllStages lists every stage in conversation order.
var AllStages = []Stage{
	StageKickoff,
	StageDepthAnalysis,
	StageFollowUp,
	StagePersonalAnecdote,
	StageHookGeneration,
	StageHookSelection,
	StageArcDevelopment,
	StageQuoteIntegration,
	StageCTAGeneration,
	StageCTASelection,
	StageReadyToGenerate,
	StageStoryGenerated,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range AllStages {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the stage ends the conversation.
func (s Stage) Terminal() bool {
	return s == StageStoryGenerated
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the session can no longer be mutated.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DepthClassification is the outcome of depth analysis.
type DepthClassification string

const (
	DepthSufficient   DepthClassification = "sufficient"
	DepthInsufficient DepthClassification = "insufficient"
)

// OptionType distinguishes the two selectable candidate lists.
type OptionType string

const (
	OptionTypeHook OptionType = "hook"
	OptionTypeCTA  OptionType = "cta"
)
