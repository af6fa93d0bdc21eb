package api

import (
	"github.com/rvastories/storyloom/pkg/engine"
	"github.com/rvastories/storyloom/pkg/models"
)

// TurnResponse is returned by every conversation-mutating endpoint.
type TurnResponse struct {
	SessionID  string             `json:"session_id"`
	Stage      string             `json:"stage"`
	Status     string             `json:"status"`
	Message    string             `json:"message"`
	Options    *OptionsPayload    `json:"options,omitempty"`
	FinalStory *models.FinalStory `json:"final_story,omitempty"`
}

// OptionsPayload carries a presented candidate list.
type OptionsPayload struct {
	Type    string       `json:"type"`
	Options []OptionItem `json:"options"`
}

// OptionItem is one selectable candidate. Index is what the client
// sends back in SelectOptionRequest.
type OptionItem struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ActiveSessionsResponse is returned by GET /conversation/sessions/active.
type ActiveSessionsResponse struct {
	Sessions []models.SessionSummary `json:"sessions"`
	Count    int                     `json:"count"`
}

// StyleInfo describes one configured output style.
type StyleInfo struct {
	Name      string `json:"name"`
	MaxTokens int    `json:"max_tokens"`
	Guidance  string `json:"guidance,omitempty"`
}

// StylesResponse is returned by GET /styles.
type StylesResponse struct {
	Styles []StyleInfo `json:"styles"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one backend's health verdict.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// turnResponse maps an engine result onto the wire shape.
func turnResponse(res *engine.TurnResult) *TurnResponse {
	out := &TurnResponse{
		SessionID:  res.SessionID,
		Stage:      string(res.Stage),
		Status:     string(res.Status),
		Message:    res.Message,
		FinalStory: res.Story,
	}
	if res.Options != nil {
		payload := &OptionsPayload{
			Type:    string(res.Options.Type),
			Options: make([]OptionItem, 0, len(res.Options.Candidates)),
		}
		for i, cand := range res.Options.Candidates {
			payload.Options = append(payload.Options, OptionItem{Index: i, Title: cand.Title, Body: cand.Body})
		}
		out.Options = payload
	}
	return out
}
