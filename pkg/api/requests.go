package api

// StartConversationRequest is the body for POST /conversation/start.
type StartConversationRequest struct {
	CoreIdea string `json:"core_idea"`
	UserID   string `json:"user_id,omitempty"`
}

// ContinueConversationRequest is the body for POST /conversation/continue/:id.
type ContinueConversationRequest struct {
	Message string `json:"message"`
}

// SelectOptionRequest is the body for POST /conversation/select-option/:id.
// OptionIndex is a pointer so an omitted index reads as missing, not as
// a silent selection of the first option.
type SelectOptionRequest struct {
	OptionType  string `json:"option_type"`
	OptionIndex *int   `json:"option_index"`
}

// GenerateFinalRequest is the body for POST /conversation/generate-final/:id.
type GenerateFinalRequest struct {
	Style string `json:"style"`
}
